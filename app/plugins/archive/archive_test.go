package archive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hex0x0000/tiny-cloud/app/plugin"
)

func shelve(t *testing.T, a *Archive, dataPath, name, content string) {
	t.Helper()
	temp := filepath.Join(dataPath, ".upload-test-"+name)
	require.NoError(t, os.WriteFile(temp, []byte(content), 0o600))

	upload := plugin.Upload{TempPath: temp, Filename: name, Size: int64(len(content))}
	resp := a.File(context.Background(), nil, upload, json.RawMessage(`{}`), dataPath)
	require.Equal(t, http.StatusOK, resp.Status, "body: %s", resp.Body)
}

func TestArchive_Info(t *testing.T) {
	a := New()
	info := a.Info()
	assert.Equal(t, "archive", info.Name)
	assert.False(t, info.AdminOnly)
	assert.NotEmpty(t, info.Version)
}

func TestArchive_Init(t *testing.T) {
	t.Run("accepts max_files", func(t *testing.T) {
		a := New()
		require.NoError(t, a.Init(map[string]any{"max_files": int64(3)}))
		assert.Equal(t, 3, a.maxFiles)
	})

	t.Run("rejects bad values", func(t *testing.T) {
		a := New()
		require.Error(t, a.Init(map[string]any{"max_files": "many"}))
		require.Error(t, a.Init(map[string]any{"max_files": int64(0)}))
	})

	t.Run("empty config keeps default", func(t *testing.T) {
		a := New()
		require.NoError(t, a.Init(map[string]any{}))
		assert.Equal(t, defaultMaxFiles, a.maxFiles)
	})
}

func TestArchive_File(t *testing.T) {
	a := New()
	dataPath := t.TempDir()

	t.Run("stores under original name", func(t *testing.T) {
		shelve(t, a, dataPath, "notes.txt", "hello")
		content, err := os.ReadFile(filepath.Join(dataPath, "notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(content))
	})

	t.Run("info document overrides the name", func(t *testing.T) {
		temp := filepath.Join(dataPath, ".upload-test-renamed")
		require.NoError(t, os.WriteFile(temp, []byte("x"), 0o600))

		upload := plugin.Upload{TempPath: temp, Filename: "ignored.bin", Size: 1}
		resp := a.File(context.Background(), nil, upload, json.RawMessage(`{"name":"wanted.bin"}`), dataPath)
		require.Equal(t, http.StatusOK, resp.Status)

		_, err := os.Stat(filepath.Join(dataPath, "wanted.bin"))
		require.NoError(t, err)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		temp := filepath.Join(dataPath, ".upload-test-dup")
		require.NoError(t, os.WriteFile(temp, []byte("x"), 0o600))

		upload := plugin.Upload{TempPath: temp, Filename: "notes.txt", Size: 1}
		resp := a.File(context.Background(), nil, upload, json.RawMessage(`{}`), dataPath)
		assert.Equal(t, http.StatusConflict, resp.Status)
	})

	t.Run("hidden names rejected", func(t *testing.T) {
		temp := filepath.Join(dataPath, ".upload-test-hidden")
		require.NoError(t, os.WriteFile(temp, []byte("x"), 0o600))

		upload := plugin.Upload{TempPath: temp, Filename: ".sneaky", Size: 1}
		resp := a.File(context.Background(), nil, upload, json.RawMessage(`{}`), dataPath)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("full archive conflicts", func(t *testing.T) {
		small := New()
		require.NoError(t, small.Init(map[string]any{"max_files": int64(1)}))
		dir := t.TempDir()
		shelve(t, small, dir, "first.txt", "1")

		temp := filepath.Join(dir, ".upload-test-overflow")
		require.NoError(t, os.WriteFile(temp, []byte("2"), 0o600))
		upload := plugin.Upload{TempPath: temp, Filename: "second.txt", Size: 1}
		resp := small.File(context.Background(), nil, upload, json.RawMessage(`{}`), dir)
		assert.Equal(t, http.StatusConflict, resp.Status)
	})
}

func TestArchive_Request(t *testing.T) {
	a := New()
	dataPath := t.TempDir()
	ctx := context.Background()

	shelve(t, a, dataPath, "one.txt", "first file")
	shelve(t, a, dataPath, "two.png", "\x89PNG\r\n\x1a\nrest")

	t.Run("list", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"list"}`), dataPath)
		require.Equal(t, http.StatusOK, resp.Status)

		var files []fileEntry
		require.NoError(t, json.Unmarshal(resp.Body, &files))
		require.Len(t, files, 2)
		assert.Equal(t, "one.txt", files[0].Name)
		assert.Equal(t, "two.png", files[1].Name)
		assert.Equal(t, "image/png", files[1].Kind)
	})

	t.Run("download", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"download","name":"one.txt"}`), dataPath)
		require.Equal(t, http.StatusOK, resp.Status)

		var payload struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(resp.Body, &payload))
		content, err := base64.StdEncoding.DecodeString(payload.Content)
		require.NoError(t, err)
		assert.Equal(t, "first file", string(content))
	})

	t.Run("download missing", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"download","name":"ghost.txt"}`), dataPath)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})

	t.Run("delete", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"delete","name":"one.txt"}`), dataPath)
		require.Equal(t, http.StatusOK, resp.Status)

		_, err := os.Stat(filepath.Join(dataPath, "one.txt"))
		require.ErrorIs(t, err, os.ErrNotExist)

		resp = a.Request(ctx, nil, json.RawMessage(`{"op":"delete","name":"one.txt"}`), dataPath)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})

	t.Run("path escape attempts rejected", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"download","name":"../../../etc/passwd"}`), dataPath)
		assert.Equal(t, http.StatusNotFound, resp.Status) // reduced to "passwd" under dataPath
		resp = a.Request(ctx, nil, json.RawMessage(`{"op":"delete","name":".."}`), dataPath)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("unknown op", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`{"op":"zap"}`), dataPath)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("bad body", func(t *testing.T) {
		resp := a.Request(ctx, nil, json.RawMessage(`[1,2]`), dataPath)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})
}
