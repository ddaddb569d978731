package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pquerna/otp"

	"github.com/hex0x0000/tiny-cloud/app/auth"
)

// totpPayload builds the enrolment response: the otpauth URL, or the QR code
// PNG as base64 when the client asked for it.
func totpPayload(key *otp.Key, asQR bool) (rest.JSON, error) {
	if !asQR {
		return rest.JSON{"totp_url": key.URL()}, nil
	}
	qr, err := auth.QRPNG(key)
	if err != nil {
		return nil, err
	}
	return rest.JSON{"totp_qr": base64.StdEncoding.EncodeToString(qr)}, nil
}

// handleRegister creates an account from a registration token and establishes
// the session for the new user.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Token    string `json:"token"`
		TotpAsQR bool   `json:"totp_as_qr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse registration request")
		return
	}

	key, userid, err := s.Auth.Register(r.Context(), req.User, []byte(req.Password), req.Token)
	if err != nil {
		if classify(err).status == http.StatusUnauthorized {
			log.Printf("[WARN] host [%s] failed to register as %q", r.RemoteAddr, clip(req.User))
		}
		s.renderError(w, r, err)
		return
	}

	payload, err := totpPayload(key, req.TotpAsQR)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.Sessions.Mint(w, userid); err != nil {
		s.renderError(w, r, err)
		return
	}

	log.Printf("[WARN] host [%s] registered as %q", r.RemoteAddr, req.User)
	rest.RenderJSON(w, payload)
}

// handleLogin validates credentials and second factor, then sets the cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Totp     string `json:"totp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse login request")
		return
	}

	userid, err := s.Auth.Login(r.Context(), req.User, []byte(req.Password), req.Totp)
	if err != nil {
		if classify(err).status == http.StatusUnauthorized {
			log.Printf("[WARN] host [%s] failed to login as %q", r.RemoteAddr, clip(req.User))
		}
		s.renderError(w, r, err)
		return
	}

	if err := s.Sessions.Mint(w, userid); err != nil {
		s.renderError(w, r, err)
		return
	}

	log.Printf("[WARN] host [%s] logged in as %q", r.RemoteAddr, req.User)
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleLogout drops the cookie only; other sessions stay valid.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Clear(w)
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleLogoutAll rotates the session id, invalidating every cookie minted
// for this user, then drops the current one.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.Auth.LogoutAll(r.Context(), user.UserID); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.Sessions.Clear(w)
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleDeleteUser removes the caller's account and drops the session.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.Auth.Delete(r.Context(), user.UserID); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.Sessions.Clear(w)
	log.Printf("[WARN] host [%s] deleted account %q", r.RemoteAddr, user.Username)
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleChangePwd replaces the password, either against the old password or
// against a password-reset token scoped to the user.
func (s *Server) handleChangePwd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword  string `json:"new_password"`
		ChangeMethod struct {
			Token       *string `json:"token"`
			OldPassword *string `json:"old_password"`
		} `json:"change_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse password change request")
		return
	}
	if (req.ChangeMethod.Token == nil) == (req.ChangeMethod.OldPassword == nil) {
		renderShapeError(w, "change_method must carry exactly one of token or old_password")
		return
	}

	user := userFrom(r.Context())
	var err error
	if req.ChangeMethod.OldPassword != nil {
		err = s.Auth.ChangePwd(r.Context(), user.UserID, []byte(req.NewPassword), []byte(*req.ChangeMethod.OldPassword))
	} else {
		err = s.Auth.ChangePwdToken(r.Context(), user.UserID, []byte(req.NewPassword), *req.ChangeMethod.Token)
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	// the old-password path rotated the session id; drop the dead cookie
	if req.ChangeMethod.OldPassword != nil {
		s.Sessions.Clear(w)
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleChangeTOTP re-verifies the password and returns a fresh secret.
// The session id is rotated, so the current cookie dies with the others.
func (s *Server) handleChangeTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		TotpAsQR bool   `json:"totp_as_qr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderShapeError(w, "failed to parse totp change request")
		return
	}

	user := userFrom(r.Context())
	key, err := s.Auth.ChangeTOTP(r.Context(), user.UserID, []byte(req.Password))
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	payload, err := totpPayload(key, req.TotpAsQR)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.Sessions.Clear(w)
	rest.RenderJSON(w, payload)
}

// clip bounds an unchecked username before it reaches the log.
func clip(username string) string {
	const maxLogged = 32
	if len(username) > maxLogged {
		return username[:maxLogged] + "..."
	}
	return username
}
