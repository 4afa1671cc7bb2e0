package launch

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/domain"
	"github.com/bft-labs/imgship/internal/gallery"
	"github.com/bft-labs/imgship/internal/server"
)

// Deps are handed to an application factory.
type Deps struct {
	Config   cliconfig.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry

	// Changed holds flag names set on the command line.
	Changed map[string]bool
}

// App is a constructed application object.
type App struct {
	Handler http.Handler

	// Reload, when set, receives config file changes while serving.
	Reload func(cliconfig.FileConfig)
}

// Factory builds an application object.
type Factory func(Deps) (*App, error)

// Registry maps application names such as "main:app" to factories.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: map[string]Factory{}}
}

// DefaultRegistry returns a registry with the gallery served as main:app.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(cliconfig.DefaultApp, GalleryApp)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[name] = f
}

// Resolve returns the factory for name or an ErrUnknownApp error listing
// the registered names.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.apps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q (registered: %s): %w", name, strings.Join(r.Names(), ", "), domain.ErrUnknownApp)
	}
	return f, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for n := range r.apps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GalleryApp is the image upload and gallery application.
func GalleryApp(d Deps) (*App, error) {
	store, err := gallery.New(gallery.Options{
		Dir:           d.Config.UploadDir,
		MaxFileSizeMB: d.Config.MaxFileSizeMB,
		PerPage:       d.Config.PerPage,
	}, d.Logger)
	if err != nil {
		return nil, err
	}

	srv := server.New(server.Options{
		Store:     store,
		Logger:    d.Logger,
		StaticDir: d.Config.StaticDir,
		Registry:  d.Registry,
	})

	return &App{
		Handler: srv,
		Reload: func(fc cliconfig.FileConfig) {
			if fc.MaxFileSizeMB > 0 && !d.Changed["max-file-size"] {
				store.SetMaxFileSizeMB(fc.MaxFileSizeMB)
			}
		},
	}, nil
}
