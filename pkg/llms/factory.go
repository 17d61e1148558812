package llms

import (
	"context"
	"os"
	"sync"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
	"github.com/uxmcp/uxmcp/pkg/store"
)

// Factory resolves completion profiles to live providers. Providers are
// cached per profile and rebuilt when the profile's UpdatedAt changes.
type Factory struct {
	profiles store.Profiles

	mu    sync.Mutex
	cache map[string]cachedProvider
}

type cachedProvider struct {
	provider Provider
	stamp    int64
}

// NewFactory creates a Factory over the profile catalogue.
func NewFactory(profiles store.Profiles) *Factory {
	return &Factory{
		profiles: profiles,
		cache:    make(map[string]cachedProvider),
	}
}

// ForProfile resolves a profile name to a provider. An empty API key in the
// profile falls back to the OPENAI_API_KEY environment variable.
func (f *Factory) ForProfile(ctx context.Context, name string) (Provider, *model.LLMProfile, error) {
	if name == "" {
		return nil, nil, errs.ForField("llm_profile", "profile name is required")
	}
	profile, err := f.profiles.GetByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	stamp := profile.UpdatedAt.UnixNano()
	if c, ok := f.cache[profile.Name]; ok && c.stamp == stamp {
		return c.provider, profile, nil
	}

	p := *profile
	if p.APIKey == "" {
		p.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	provider := NewOpenAIProvider(&p)
	f.cache[profile.Name] = cachedProvider{provider: provider, stamp: stamp}
	return provider, profile, nil
}
