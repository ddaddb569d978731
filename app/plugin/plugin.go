// Package plugin defines the contract between the core server and feature
// plugins, and the registry that dispatch runs against.
//
// A plugin is registered by value at startup; there is no dynamic loading.
// The registry is immutable once initialized, so dispatch reads it without
// locking. Each plugin receives already-authenticated requests together with
// a private data directory scoped to the calling user (or the shared unauth
// directory for anonymous callers); the core never inspects what a plugin
// stores there.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	flags "github.com/jessevdk/go-flags"
)

// Info is the static description of a plugin. Name uniquely identifies the
// plugin within the process and in URLs; AdminOnly hides the plugin from
// non-admin callers entirely.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Source      string `json:"source"`
	AdminOnly   bool   `json:"admin_only"`
}

// User identifies the authenticated caller of a plugin request.
type User struct {
	Name    string
	IsAdmin bool
}

// Upload describes a file received on the multipart endpoint. TempPath is a
// file inside the plugin's data directory; the plugin takes ownership and
// usually renames it, anything left behind is cleaned up after the call.
type Upload struct {
	TempPath string
	Filename string
	Size     int64
}

// Response is what a plugin returns for a request; it is relayed to the
// client unchanged.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// JSONResponse builds a JSON response from any marshalable value.
func JSONResponse(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return TextResponse(http.StatusInternalServerError, "failed to encode response")
	}
	return Response{Status: status, ContentType: "application/json", Body: body}
}

// TextResponse builds a plain-text response.
func TextResponse(status int, msg string) Response {
	return Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(msg)}
}

// Plugin is the capability every feature module implements.
type Plugin interface {
	// Info returns the static plugin description.
	Info() Info

	// Init receives the merged configuration table (plugin defaults overlaid
	// with the plugins.<name> section) before the server starts.
	Init(cfg map[string]any) error

	// Request handles a JSON API call. user is nil for anonymous callers.
	// dataPath is the caller-scoped directory the plugin may use freely.
	Request(ctx context.Context, user *User, body json.RawMessage, dataPath string) Response

	// File handles an uploaded file with its accompanying info document.
	File(ctx context.Context, user *User, upload Upload, info json.RawMessage, dataPath string) Response
}

// Configurer is implemented by plugins that ship a default configuration.
type Configurer interface {
	DefaultConfig() map[string]any
}

// Commander is implemented by plugins that contribute CLI subcommands.
// Called during startup before flag parsing.
type Commander interface {
	RegisterCommands(parser *flags.Parser) error
}

// Registry is an insertion-ordered set of plugins keyed by name.
type Registry struct {
	names   []string
	plugins map[string]Plugin
}

// NewRegistry builds a registry from the given plugins in order.
// Fails on duplicate or empty names.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		name := p.Info().Name
		if name == "" {
			return nil, fmt.Errorf("plugin with empty name")
		}
		if _, exists := r.plugins[name]; exists {
			return nil, fmt.Errorf("duplicate plugin name %q", name)
		}
		r.names = append(r.names, name)
		r.plugins[name] = p
	}
	return r, nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the plugin names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Infos returns the plugin descriptions in registration order.
func (r *Registry) Infos() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		infos = append(infos, r.plugins[name].Info())
	}
	return infos
}

// Init initializes every plugin with its merged configuration table.
// configFor provides the table for a plugin name given its defaults.
func (r *Registry) Init(configFor func(name string, defaults map[string]any) map[string]any) error {
	for _, name := range r.names {
		p := r.plugins[name]
		var defaults map[string]any
		if c, ok := p.(Configurer); ok {
			defaults = c.DefaultConfig()
		}
		if err := p.Init(configFor(name, defaults)); err != nil {
			return fmt.Errorf("failed to initialize plugin %q: %w", name, err)
		}
	}
	return nil
}

// RegisterCommands offers every Commander plugin the CLI parser.
func (r *Registry) RegisterCommands(parser *flags.Parser) error {
	for _, name := range r.names {
		if c, ok := r.plugins[name].(Commander); ok {
			if err := c.RegisterCommands(parser); err != nil {
				return fmt.Errorf("failed to register commands for plugin %q: %w", name, err)
			}
		}
	}
	return nil
}
