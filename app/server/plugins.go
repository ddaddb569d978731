package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/hex0x0000/tiny-cloud/app/plugin"
)

// resolvePlugin looks up the addressed plugin and applies the admin gate.
// An admin-only plugin requested by anyone else gets the same not-found
// response as a plugin that does not exist, hiding its presence.
func (s *Server) resolvePlugin(w http.ResponseWriter, r *http.Request) (plugin.Plugin, *plugin.User, string, bool) {
	name := r.PathValue("plugin")

	p, ok := s.Registry.Get(name)
	if !ok {
		renderPluginNotFound(w, name)
		return nil, nil, "", false
	}

	var user *plugin.User
	if u := userFrom(r.Context()); u != nil {
		user = &plugin.User{Name: u.Username, IsAdmin: u.IsAdmin}
	}

	if p.Info().AdminOnly && (user == nil || !user.IsAdmin) {
		renderPluginNotFound(w, name)
		return nil, nil, "", false
	}

	dataPath := s.Dirs.UnauthPath(name)
	if user != nil {
		dataPath = s.Dirs.UserPath(user.Name, name)
	}
	// directories exist from startup or registration, but a plugin added
	// between runs may not have them yet for this caller
	if err := os.MkdirAll(dataPath, 0o750); err != nil {
		log.Printf("[ERROR] failed to create data path for plugin %q: %v", name, err)
		s.renderError(w, r, err)
		return nil, nil, "", false
	}

	return p, user, dataPath, true
}

// relay writes the plugin's response to the client unchanged.
func relay(w http.ResponseWriter, name string, resp plugin.Response) {
	if resp.Status >= http.StatusInternalServerError {
		log.Printf("[ERROR] plugin %q failed with status %d", name, resp.Status)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		log.Printf("[WARN] failed to write plugin %q response: %v", name, err)
	}
}

// handlePluginRequest dispatches a JSON API call to a plugin.
func (s *Server) handlePluginRequest(w http.ResponseWriter, r *http.Request) {
	p, user, dataPath, ok := s.resolvePlugin(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		renderShapeError(w, "failed to read request body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		renderShapeError(w, "request body is not valid json")
		return
	}

	relay(w, p.Info().Name, p.Request(r.Context(), user, body, dataPath))
}

// handlePluginUpload dispatches a multipart upload to a plugin. The file part
// is spooled into the plugin's data directory under a temporary name; the
// plugin takes ownership, and anything it leaves behind is removed.
func (s *Server) handlePluginUpload(w http.ResponseWriter, r *http.Request) {
	p, user, dataPath, ok := s.resolvePlugin(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.fileUploadSize())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		renderShapeError(w, "failed to parse multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		renderShapeError(w, "multipart form must carry a `file` part")
		return
	}
	defer file.Close() //nolint:errcheck // read-only temp part

	info := []byte(r.FormValue("info"))
	if len(info) == 0 {
		info = []byte("{}")
	}
	if !json.Valid(info) {
		renderShapeError(w, "`info` part is not valid json")
		return
	}

	tempPath := filepath.Join(dataPath, ".upload-"+uuid.NewString())
	temp, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec // path built from uuid under data root
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	size, err := io.Copy(temp, file)
	if cerr := temp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		s.renderError(w, r, err)
		return
	}
	// plugin takes ownership of the temp file; remove leftovers after the call
	defer func() { _ = os.Remove(tempPath) }()

	upload := plugin.Upload{TempPath: tempPath, Filename: filepath.Base(header.Filename), Size: size}
	relay(w, p.Info().Name, p.File(r.Context(), user, upload, info, dataPath))
}
