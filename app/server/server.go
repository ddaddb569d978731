// Package server provides the HTTP server: session resolution, the auth and
// token endpoints, and dispatch of authenticated requests to plugins.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/hex0x0000/tiny-cloud/app/auth"
	"github.com/hex0x0000/tiny-cloud/app/plugin"
	"github.com/hex0x0000/tiny-cloud/app/server/session"
	"github.com/hex0x0000/tiny-cloud/app/token"
	"github.com/hex0x0000/tiny-cloud/app/userdir"
)

// Server represents the HTTP server.
type Server struct {
	Deps
	Config
}

// Config holds server configuration.
type Config struct {
	Address         string
	BaseURL         string // base URL path prefix, e.g. /tcloud
	ServerName      string
	Description     string
	Version         string
	Source          string
	TLSCertPath     string // both TLS paths empty means plain HTTP
	TLSPrivkeyPath  string
	IsBehindProxy   bool
	Registration    bool  // registration and token endpoints enabled
	PayloadSize     int64 // max JSON body size in bytes
	FileUploadSize  int64 // max multipart upload size in bytes
	ShutdownTimeout time.Duration
}

// Deps holds server dependencies.
type Deps struct {
	Auth     *auth.Service
	Tokens   *token.Service // nil when registration is disabled
	Sessions *session.Service
	Registry *plugin.Registry
	Dirs     *userdir.Manager
}

// New creates a new Server instance.
func New(deps Deps, cfg Config) *Server {
	return &Server{Deps: deps, Config: cfg}
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] shutdown error: %v", err)
		}
	}()

	var err error
	if s.TLSCertPath != "" {
		log.Printf("[INFO] started server on https://%s", s.Address)
		err = httpServer.ListenAndServeTLS(s.TLSCertPath, s.TLSPrivkeyPath)
	} else {
		log.Printf("[INFO] started server on http://%s", s.Address)
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// handler returns the HTTP handler, mounting routes under the base URL.
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.BaseURL == "" {
		return routes
	}
	mux := http.NewServeMux()
	// redirect /base to /base/
	mux.HandleFunc(s.BaseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.BaseURL+"/", http.StripPrefix(s.BaseURL, routes))
	return mux
}

// routes configures and returns the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware (applies to all routes)
	middlewares := []func(http.Handler) http.Handler{rest.Recoverer(log.Default())}
	if s.IsBehindProxy {
		middlewares = append(middlewares, rest.RealIP)
	}
	middlewares = append(middlewares,
		rest.Trace,
		rest.AppInfo(s.ServerName, "tiny-cloud", s.Version),
		rest.Ping,
	)
	router.Use(middlewares[0], middlewares[1:]...)

	// the web UI is served by a reverse proxy or external frontend; the bare
	// root just points at the API info endpoint
	router.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/api/info", http.StatusSeeOther)
	})

	router.With(s.identity).HandleFunc("GET /api/info", s.handleInfo)

	// auth endpoints; bodies are small, the payload limit applies
	router.Mount("/api/auth").Route(func(authRouter *routegroup.Bundle) {
		authRouter.Use(rest.SizeLimit(s.payloadSize()))

		if s.Registration {
			authRouter.HandleFunc("POST /register", s.handleRegister)
		}
		authRouter.HandleFunc("POST /login", s.handleLogin)

		authRouter.Group().Route(func(protected *routegroup.Bundle) {
			protected.Use(s.requireAuth)
			protected.HandleFunc("GET /logout", s.handleLogout)
			protected.HandleFunc("GET /logoutall", s.handleLogoutAll)
			protected.HandleFunc("GET /delete", s.handleDeleteUser)
			protected.HandleFunc("POST /changepwd", s.handleChangePwd)
			protected.HandleFunc("POST /changetotp", s.handleChangeTOTP)
		})
	})

	// token endpoints exist only when registration is enabled; absent routes
	// fall through to 404 which is exactly the disabled behavior
	if s.Registration {
		router.Mount("/api/token").Route(func(tokenRouter *routegroup.Bundle) {
			tokenRouter.Use(rest.SizeLimit(s.payloadSize()), s.requireAuth, s.requireAdmin)
			tokenRouter.HandleFunc("POST /new", s.handleTokenNew)
			tokenRouter.HandleFunc("POST /delete", s.handleTokenDelete)
			tokenRouter.HandleFunc("GET /list", s.handleTokenList)
		})
	}

	// plugin dispatch; anonymous callers allowed, plugins see user == nil
	router.With(s.identity, rest.SizeLimit(s.payloadSize())).
		HandleFunc("POST /api/p/{plugin}", s.handlePluginRequest)
	// uploads are size-capped in the handler with MaxBytesReader so the body
	// streams to disk instead of being buffered for the size check
	router.With(s.identity).HandleFunc("POST /api/up/{plugin}", s.handlePluginUpload)

	return router
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.ShutdownTimeout > 0 {
		return s.ShutdownTimeout
	}
	return 5 * time.Second
}

func (s *Server) payloadSize() int64 {
	if s.PayloadSize > 0 {
		return s.PayloadSize
	}
	return 1024 * 1024
}

func (s *Server) fileUploadSize() int64 {
	if s.FileUploadSize > 0 {
		return s.FileUploadSize
	}
	return 1024 * 1024 * 1024
}

// requestUser is the resolved caller stored in the request context.
type requestUser struct {
	UserID   string
	Username string
	IsAdmin  bool
	Identity session.Identity
}

type ctxKey int

const userKey ctxKey = iota

// userFrom returns the resolved caller, nil for anonymous requests.
func userFrom(ctx context.Context) *requestUser {
	u, _ := ctx.Value(userKey).(*requestUser)
	return u
}

// identity resolves the session cookie if present. A missing cookie passes
// the request through anonymously; a lost, expired or rotated-away session
// clears the cookie and fails with InvalidSession. On success the cookie is
// re-minted so the inactivity deadline moves forward.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, state := s.Sessions.Resolve(r)
		switch state {
		case session.StateNone:
			next.ServeHTTP(w, r)
			return
		case session.StateLost, session.StateExpired:
			s.renderError(w, r, auth.ErrInvalidSession)
			return
		case session.StateOK:
		}

		info, err := s.Auth.Validate(r.Context(), id.UserID)
		if err != nil {
			s.renderError(w, r, err)
			return
		}

		if err := s.Sessions.Refresh(w, id); err != nil {
			log.Printf("[WARN] failed to refresh session cookie for %q: %v", info.Username, err)
		}

		u := &requestUser{UserID: id.UserID, Username: info.Username, IsAdmin: info.IsAdmin, Identity: id}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// requireAuth is identity plus a hard requirement for a resolved caller.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return s.identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()) == nil {
			s.renderError(w, r, auth.ErrInvalidSession)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// requireAdmin gates a route to admin users. Must run after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if user == nil || !user.IsAdmin {
			if user != nil {
				log.Printf("[WARN] user %q denied admin access to %s", user.Username, r.URL.Path)
			}
			renderJSON(w, http.StatusForbidden, rest.JSON{"error": "AuthError", "type": "Forbidden", "msg": "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleInfo reports server identity and the plugin inventory. Admin-only
// plugins are listed only for admin callers, consistent with dispatch hiding
// them from everyone else.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	infos := s.Registry.Infos()
	visible := make([]plugin.Info, 0, len(infos))
	for _, info := range infos {
		if info.AdminOnly && (user == nil || !user.IsAdmin) {
			continue
		}
		visible = append(visible, info)
	}

	rest.RenderJSON(w, rest.JSON{
		"name":        s.ServerName,
		"version":     s.Version,
		"description": s.Description,
		"source":      s.Source,
		"plugins":     visible,
	})
}
