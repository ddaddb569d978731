// Package archive is the built-in file shelf plugin: uploaded files are kept
// in the caller's data directory and can be listed, downloaded and deleted
// through the JSON API. It doubles as the reference implementation of the
// plugin contract.
package archive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/hex0x0000/tiny-cloud/app/plugin"
)

// Version reported in plugin info.
const Version = "0.3.0"

// defaultMaxFiles bounds how many files one caller can shelve.
const defaultMaxFiles = 1000

// Archive implements the file shelf plugin.
type Archive struct {
	maxFiles int
}

// New creates the archive plugin.
func New() *Archive {
	return &Archive{maxFiles: defaultMaxFiles}
}

// Info returns the static plugin description.
func (a *Archive) Info() plugin.Info {
	return plugin.Info{
		Name:        "archive",
		Description: "Personal file archive: upload, list, download and delete files",
		Version:     Version,
		Source:      "https://github.com/hex0x0000/tiny-cloud",
		AdminOnly:   false,
	}
}

// DefaultConfig ships the tunables the admin may override in plugins.archive.
func (a *Archive) DefaultConfig() map[string]any {
	return map[string]any{"max_files": int64(defaultMaxFiles)}
}

// Init applies the merged configuration table.
func (a *Archive) Init(cfg map[string]any) error {
	if v, ok := cfg["max_files"]; ok {
		switch n := v.(type) {
		case int64:
			a.maxFiles = int(n)
		case int:
			a.maxFiles = n
		case float64:
			a.maxFiles = int(n)
		default:
			return fmt.Errorf("max_files must be a number, got %T", v)
		}
		if a.maxFiles < 1 {
			return fmt.Errorf("max_files must be positive, got %d", a.maxFiles)
		}
	}
	return nil
}

// request is the JSON API envelope.
type request struct {
	Op   string `json:"op"`
	Name string `json:"name,omitempty"`
}

// fileEntry describes one shelved file.
type fileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Kind string `json:"kind"`
}

// Request handles the JSON operations: list, download, delete.
func (a *Archive) Request(_ context.Context, _ *plugin.User, body json.RawMessage, dataPath string) plugin.Response {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return plugin.TextResponse(http.StatusBadRequest, "invalid request body")
	}

	switch req.Op {
	case "list":
		return a.list(dataPath)
	case "download":
		return a.download(dataPath, req.Name)
	case "delete":
		return a.delete(dataPath, req.Name)
	default:
		return plugin.TextResponse(http.StatusBadRequest, fmt.Sprintf("unknown op %q", req.Op))
	}
}

// File shelves an uploaded file. The info document may override the stored
// name with {"name": "..."}; otherwise the original filename is kept.
func (a *Archive) File(_ context.Context, _ *plugin.User, upload plugin.Upload, info json.RawMessage, dataPath string) plugin.Response {
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(info, &meta); err != nil {
		return plugin.TextResponse(http.StatusBadRequest, "invalid info document")
	}

	name := meta.Name
	if name == "" {
		name = upload.Filename
	}
	name, ok := safeName(name)
	if !ok {
		return plugin.TextResponse(http.StatusBadRequest, "invalid file name")
	}

	entries, err := os.ReadDir(dataPath)
	if err != nil {
		return plugin.TextResponse(http.StatusInternalServerError, "failed to read archive")
	}
	if countFiles(entries) >= a.maxFiles {
		return plugin.TextResponse(http.StatusConflict, "archive is full")
	}

	dest := filepath.Join(dataPath, name)
	if _, err := os.Stat(dest); err == nil {
		return plugin.TextResponse(http.StatusConflict, fmt.Sprintf("file %q already exists", name))
	}
	if err := os.Rename(upload.TempPath, dest); err != nil {
		return plugin.TextResponse(http.StatusInternalServerError, "failed to store file")
	}

	return plugin.JSONResponse(http.StatusOK, fileEntry{Name: name, Size: upload.Size, Kind: sniffKind(dest)})
}

func (a *Archive) list(dataPath string) plugin.Response {
	entries, err := os.ReadDir(dataPath)
	if err != nil {
		return plugin.TextResponse(http.StatusInternalServerError, "failed to read archive")
	}

	files := []fileEntry{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			Name: entry.Name(),
			Size: fi.Size(),
			Kind: sniffKind(filepath.Join(dataPath, entry.Name())),
		})
	}
	return plugin.JSONResponse(http.StatusOK, files)
}

func (a *Archive) download(dataPath, name string) plugin.Response {
	name, ok := safeName(name)
	if !ok {
		return plugin.TextResponse(http.StatusBadRequest, "invalid file name")
	}
	data, err := os.ReadFile(filepath.Join(dataPath, name)) //nolint:gosec // name sanitized by safeName
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return plugin.TextResponse(http.StatusNotFound, fmt.Sprintf("file %q not found", name))
		}
		return plugin.TextResponse(http.StatusInternalServerError, "failed to read file")
	}
	return plugin.JSONResponse(http.StatusOK, map[string]string{
		"name":    name,
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

func (a *Archive) delete(dataPath, name string) plugin.Response {
	name, ok := safeName(name)
	if !ok {
		return plugin.TextResponse(http.StatusBadRequest, "invalid file name")
	}
	if err := os.Remove(filepath.Join(dataPath, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return plugin.TextResponse(http.StatusNotFound, fmt.Sprintf("file %q not found", name))
		}
		return plugin.TextResponse(http.StatusInternalServerError, "failed to delete file")
	}
	return plugin.JSONResponse(http.StatusOK, map[string]string{"status": "ok"})
}

// safeName reduces a client-supplied name to a single path element and
// rejects hidden and empty names.
func safeName(name string) (string, bool) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

// sniffKind detects the file type from its leading bytes.
func sniffKind(path string) string {
	f, err := os.Open(path) //nolint:gosec // path built from sanitized name under data root
	if err != nil {
		return "unknown"
	}
	defer f.Close() //nolint:errcheck // read-only

	head := make([]byte, 261)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return "unknown"
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return "unknown"
	}
	return kind.MIME.Value
}

// countFiles counts regular, non-hidden entries.
func countFiles(entries []os.DirEntry) int {
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			count++
		}
	}
	return count
}
