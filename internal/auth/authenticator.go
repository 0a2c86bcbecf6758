package auth

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/zep-us/reauthxy/internal/resender"
)

// Options carries everything an authenticator factory may need.
// Filled once from configuration at startup.
type Options struct {
	HTTPClient    *http.Client
	Store         *TokenStore
	UpstreamURL   string
	LoginPath     string
	Username      string
	Password      string
	CSRFTokenPath string
	HeaderName    string
	StaticToken   string
}

// Factory builds an authenticator from options
type Factory func(opts Options) (resender.Authenticator, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a factory available under name. Registering a name twice replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Names returns the registered authenticator names in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves the authenticator registered under name
func New(name string, opts Options) (resender.Authenticator, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown authenticator %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("authenticator %q: token store is required", name)
	}
	return factory(opts)
}

func init() {
	Register(FormLoginName, newFormLoginFromOptions)
	Register(StaticName, newStaticFromOptions)
}
