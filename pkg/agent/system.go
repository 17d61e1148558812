package agent

import (
	"fmt"
	"strings"

	"github.com/uxmcp/uxmcp/pkg/model"
)

// systemMessage assembles the executor's system turn from the agent's
// prompt, identity, personality, reasoning strategy and, when memory is
// enabled, a retrieval preface for the current query.
func systemMessage(a *model.Agent, memoryPreface string) string {
	var b strings.Builder

	if a.PrePrompt != "" {
		b.WriteString(a.PrePrompt)
		b.WriteString("\n\n")
	}
	if a.SystemPrompt != "" {
		b.WriteString(a.SystemPrompt)
		b.WriteString("\n")
	}

	if a.Identity.Backstory != "" {
		b.WriteString("\n## Backstory\n")
		b.WriteString(a.Identity.Backstory)
		b.WriteString("\n")
	}
	writeBullets(&b, "Objectives", a.Identity.Objectives)
	writeBullets(&b, "Constraints", a.Identity.Constraints)

	if directives := personalityDirectives(a.Personality); len(directives) > 0 {
		b.WriteString("\n## Communication style\n")
		for _, d := range directives {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	if preamble := reasoningPreamble(a.Reasoning); preamble != "" {
		b.WriteString("\n")
		b.WriteString(preamble)
		b.WriteString("\n")
	}

	if memoryPreface != "" {
		b.WriteString("\n")
		b.WriteString(memoryPreface)
	}

	return strings.TrimSpace(b.String())
}

func writeBullets(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func personalityDirectives(p model.Personality) []string {
	var out []string
	if p.Tone != "" {
		out = append(out, "Tone: "+p.Tone)
	}
	if p.Verbosity != "" {
		out = append(out, "Verbosity: "+p.Verbosity)
	}
	if p.Empathy != "" {
		out = append(out, "Empathy: "+p.Empathy)
	}
	if p.Humor != "" {
		out = append(out, "Humor: "+p.Humor)
	}
	return out
}

func reasoningPreamble(r model.ReasoningStrategy) string {
	switch r {
	case model.ReasoningChainOfThought:
		return "Think through the problem step by step before giving your final answer."
	case model.ReasoningTreeOfThought:
		return "Consider several approaches, weigh them briefly, then answer with the strongest one."
	default:
		return ""
	}
}

// memoryPreface formats retrieval hits for the system turn.
func memoryPreface(hits []string) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant memories\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return b.String()
}
