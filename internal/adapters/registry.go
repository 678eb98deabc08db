package adapters

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/tasksync/internal/mapping"
)

type PlatformConfig struct {
	Name          string
	Enabled       bool
	BaseURL       string
	Token         string
	WebhookSecret string
	// Repository is only used by github.
	Repository string
}

type Logger interface {
	Printf(format string, args ...any)
}

// Registry holds the enabled adapters and their webhook secrets.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	secrets  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		secrets:  map[string]string{},
	}
}

func (r *Registry) Register(adapter Adapter, webhookSecret string) {
	if adapter == nil {
		return
	}
	platform := normalizePlatform(adapter.Platform())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = adapter
	r.secrets[platform] = webhookSecret
}

func (r *Registry) Get(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizePlatform(platform)]
	return adapter, ok
}

// Platforms returns the registered platform names sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for platform := range r.adapters {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

// Verify checks the webhook signature for a registered platform.
func (r *Registry) Verify(platform string, headers http.Header, body []byte) error {
	platform = normalizePlatform(platform)
	r.mu.RLock()
	_, ok := r.adapters[platform]
	secret := r.secrets[platform]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownPlatform
	}
	return VerifySignature(platform, secret, headers, body)
}

// Build constructs adapters for every enabled platform. Linear can only set
// workflow states by id, so Build warns when the rules leave any status
// without one.
func Build(configs []PlatformConfig, rules *mapping.Set, httpClient *http.Client, logger Logger) (*Registry, error) {
	if rules == nil {
		rules = mapping.NewSet(nil)
	}
	if logger == nil {
		logger = log.Default()
	}
	registry := NewRegistry()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		clientOpts := ClientOptions{
			BaseURL:       cfg.BaseURL,
			TokenProvider: StaticToken(cfg.Token),
			HTTPClient:    httpClient,
		}
		var adapter Adapter
		switch normalizePlatform(cfg.Name) {
		case PlatformGitHub:
			adapter = NewGitHubAdapter(GitHubOptions{Client: clientOpts, Repository: cfg.Repository, Rules: rules})
		case PlatformLinear:
			adapter = NewLinearAdapter(LinearOptions{Client: clientOpts, Rules: rules})
		case PlatformNotion:
			adapter = NewNotionAdapter(NotionOptions{Client: clientOpts, Rules: rules})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Name)
		}
		registry.Register(adapter, cfg.WebhookSecret)
		if adapter.Platform() != PlatformLinear {
			continue
		}
		if missing := rules.Current().UnmappedStatuses(PlatformLinear); len(missing) > 0 {
			logger.Printf("adapters: linear has no workflow state id for statuses %v; status deliveries to them will dead-letter", missing)
		}
	}
	return registry, nil
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
