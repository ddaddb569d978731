package server

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/hex0x0000/tiny-cloud/app/auth"
	"github.com/hex0x0000/tiny-cloud/app/token"
)

// errInfo is how a typed error crosses the HTTP boundary: the JSON body is
// {"error": category, "type": variant, "msg": msg}.
type errInfo struct {
	status      int
	category    string
	variant     string
	msg         string
	clearCookie bool
}

// classify maps service errors onto their HTTP shape. Anything unrecognized
// is internal: logged with detail, surfaced with a generic message.
func classify(err error) errInfo {
	badCreds := &auth.BadCredentialsError{}
	switch {
	case errors.As(err, &badCreds):
		return errInfo{status: http.StatusBadRequest, category: "AuthError", variant: "BadCredentials", msg: badCreds.Error()}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return errInfo{status: http.StatusUnauthorized, category: "AuthError", variant: "InvalidCredentials", msg: "invalid credentials"}
	case errors.Is(err, auth.ErrInvalidTOTP):
		return errInfo{status: http.StatusUnauthorized, category: "AuthError", variant: "InvalidTOTP", msg: "invalid totp code"}
	case errors.Is(err, auth.ErrInvalidRegCredentials):
		return errInfo{status: http.StatusUnauthorized, category: "AuthError", variant: "InvalidRegCredentials", msg: "invalid registration credentials"}
	case errors.Is(err, auth.ErrInvalidSession):
		return errInfo{status: http.StatusUnauthorized, category: "AuthError", variant: "InvalidSession",
			msg: "invalid session, login again", clearCookie: true}
	case errors.Is(err, token.ErrNotFound):
		return errInfo{status: http.StatusNotFound, category: "TokenError", variant: "NotFound", msg: "token was not found"}
	case errors.Is(err, token.ErrExpired):
		return errInfo{status: http.StatusGone, category: "TokenError", variant: "Expired", msg: "token expired"}
	case errors.Is(err, token.ErrInvalidPwdToken):
		return errInfo{status: http.StatusForbidden, category: "TokenError", variant: "InvalidPwdToken",
			msg: "token is not valid for this user"}
	default:
		return errInfo{status: http.StatusInternalServerError, category: "InternalError", variant: "Internal",
			msg: "an internal server error occurred"}
	}
}

// renderJSON writes v with the given status. Content-Type has to be set
// before the status line, which rules out rest.RenderJSON for non-200s.
func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] failed to encode response: %v", err)
	}
}

// renderError writes the JSON error body for a service error, clearing the
// session cookie when the error invalidates it. Internal detail never leaves
// the process, only the log.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	info := classify(err)
	if info.status == http.StatusInternalServerError {
		log.Printf("[ERROR] internal error on %s %s: %v", r.Method, r.URL.Path, err)
	}
	if info.clearCookie {
		s.Sessions.Clear(w)
	}
	renderJSON(w, info.status, rest.JSON{"error": info.category, "type": info.variant, "msg": info.msg})
}

// renderShapeError reports a malformed request body or query.
func renderShapeError(w http.ResponseWriter, msg string) {
	renderJSON(w, http.StatusBadRequest, rest.JSON{"error": "RequestError", "type": "RequestShape", "msg": msg})
}

// renderPluginNotFound is the single not-found shape for unknown plugins and
// admin-only plugins hidden from the caller, so the two are indistinguishable.
func renderPluginNotFound(w http.ResponseWriter, name string) {
	renderJSON(w, http.StatusNotFound, rest.JSON{"error": "PluginError", "type": "NotFound", "msg": "plugin `" + name + "` not found"})
}
