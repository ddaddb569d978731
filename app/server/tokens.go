package server

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
)

// handleTokenNew issues a registration token, or a password-reset token when
// for_user is set. Admin only; the route group enforces that.
func (s *Server) handleTokenNew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration *int64 `json:"duration"` // seconds, default from config
		ForUser  string `json:"for_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse token request")
		return
	}

	var duration time.Duration
	if req.Duration != nil {
		if *req.Duration <= 0 {
			renderShapeError(w, "duration must be positive")
			return
		}
		duration = time.Duration(*req.Duration) * time.Second
	}

	tok, seconds, err := s.Tokens.Create(r.Context(), duration, req.ForUser)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	admin := userFrom(r.Context())
	log.Printf("[INFO] admin %q created token (for_user=%q, duration=%ds)", admin.Username, req.ForUser, seconds)
	rest.RenderJSON(w, rest.JSON{"token": tok, "duration": seconds})
}

// handleTokenDelete removes a token by id or by its string.
func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    *int64  `json:"id"`
		Token *string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse token request")
		return
	}
	if req.ID == nil && req.Token == nil {
		renderShapeError(w, "either id or token must be given")
		return
	}

	if err := s.Tokens.Remove(r.Context(), req.ID, req.Token); err != nil {
		s.renderError(w, r, err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleTokenList returns every token with id, expiry and optional bound user.
func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.Tokens.List(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	rest.RenderJSON(w, tokens)
}
