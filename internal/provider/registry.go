package provider

import (
	"strings"
)

// Identity is the canonical name of a provider after alias resolution.
type Identity string

const (
	OpenAI    Identity = "openai"
	Gemini    Identity = "gemini"
	Anthropic Identity = "anthropic"
)

func (id Identity) String() string { return string(id) }

var aliases = map[string]Identity{
	"openai":    OpenAI,
	"gpt":       OpenAI,
	"gemini":    Gemini,
	"google":    Gemini,
	"anthropic": Anthropic,
	"claude":    Anthropic,
}

var defaultModels = map[Identity]string{
	OpenAI:    "gpt-4o-mini",
	Gemini:    "gemini-2.5-flash",
	Anthropic: "claude-3-5-haiku-20241022",
}

// candidates is the fixed order used by AvailableProviders.
var candidates = []Identity{OpenAI, Gemini, Anthropic}

// Resolve maps an alias to its canonical identity. Unknown names pass
// through lower-cased so configuration checks can reject them later.
func Resolve(alias string) Identity {
	name := strings.ToLower(strings.TrimSpace(alias))
	if id, ok := aliases[name]; ok {
		return id
	}
	return Identity(name)
}

// DefaultModel returns the built-in model for id, falling back to the
// Gemini default for unknown identities.
func DefaultModel(id Identity) string {
	if m, ok := defaultModels[id]; ok {
		return m
	}
	return defaultModels[Gemini]
}

// Credentials looks up the API key for a canonical provider name.
type Credentials interface {
	APIKey(provider string) (string, error)
}

// CredentialsFunc adapts a function to Credentials.
type CredentialsFunc func(provider string) (string, error)

func (f CredentialsFunc) APIKey(provider string) (string, error) { return f(provider) }

// Registry answers configuration questions about providers. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	creds     Credentials
	overrides map[Identity]string
}

type RegistryOption func(*Registry)

// WithDefaultModels overrides the built-in default model per provider.
// Keys are resolved as aliases; empty values are ignored.
func WithDefaultModels(models map[string]string) RegistryOption {
	return func(r *Registry) {
		for k, v := range models {
			if v == "" {
				continue
			}
			r.overrides[Resolve(k)] = v
		}
	}
}

func NewRegistry(creds Credentials, opts ...RegistryOption) *Registry {
	r := &Registry{
		creds:     creds,
		overrides: make(map[Identity]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) DefaultModel(id Identity) string {
	if m, ok := r.overrides[id]; ok {
		return m
	}
	if _, known := defaultModels[id]; !known {
		if m, ok := r.overrides[Gemini]; ok {
			return m
		}
	}
	return DefaultModel(id)
}

// IsConfigured reports whether id has a non-empty credential. Lookup errors
// and panics both count as not configured.
func (r *Registry) IsConfigured(id Identity) (ok bool) {
	if r == nil || r.creds == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if _, known := defaultModels[id]; !known {
		return false
	}
	key, err := r.creds.APIKey(string(id))
	if err != nil {
		return false
	}
	return strings.TrimSpace(key) != ""
}

// AvailableProviders lists configured providers in the fixed order
// openai, gemini, anthropic.
func (r *Registry) AvailableProviders() []Identity {
	var out []Identity
	for _, id := range candidates {
		if r.IsConfigured(id) {
			out = append(out, id)
		}
	}
	return out
}
