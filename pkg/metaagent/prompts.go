package metaagent

// The pipeline's LLM steps all run in JSON mode; each prompt names the exact
// object shape it expects back.

const analyzeSystem = `You analyse natural-language requirements for an automation platform.
Respond with a single JSON object:
{"name": "<snake_case agent name>", "purpose": "...", "domain": "...",
 "use_cases": ["..."], "required_capabilities": ["..."],
 "suggested_profile": "<llm profile name or empty>", "complexity": "low|medium|high"}`

const identifySystem = `You decompose a requirement into the minimal set of callable tools.
Respond with a single JSON object:
{"tools": [{"name": "<snake_case>", "description": "...", "service_type": "tool",
 "essential": true|false,
 "parameters": [{"name": "...", "type": "string|number|boolean|object|array",
                 "required": true|false, "description": "..."}]}]}`

const matchSystem = `You match required tools against a catalog of existing services.
Prefer an existing service whose parameters are compatible; otherwise mark the
tool for creation. Respond with a single JSON object:
{"matches": [{"tool": "<required tool name>", "action": "use_existing|create",
 "service": "<existing service name, when use_existing>"}]}`

const generateSystem = `You write JavaScript handlers for a sandboxed runtime.
The handler body receives a "params" object and must return a JSON-serialisable value.
Available modules (each must be listed in "dependencies" to be usable):
http (http.get(url), http.post(url, body)), json (json.parse, json.stringify),
math, time. No other globals exist; no require, no import.
Respond with a single JSON object:
{"name": "<snake_case>", "description": "...", "kind": "tool",
 "route": "/<path>", "method": "GET|POST",
 "params": [{"name": "...", "type": "...", "required": true|false, "description": "..."}],
 "dependencies": ["..."], "code": "<handler body statements ending in a return>"}`

const diagnoseSystem = `A generated service failed. You receive the error and the current
code; return the corrected version. Keep the same contract unless the error
demands otherwise. Respond with a single JSON object:
{"code": "<corrected handler body>", "dependencies": ["..."]}`

const testParamsSystem = `Produce one realistic test input for the service described.
Respond with a single JSON object mapping parameter names to values.`

const gradeSystem = `You judge whether a service invocation looks correct for its purpose.
Be lenient: structural plausibility is enough, exact values do not matter.
Respond with a single JSON object: {"pass": true|false, "reason": "..."}`

const agentTestSystem = `Produce one realistic test input for the agent described.
Respond with a single JSON object: {"input": "<user message>"}`
