package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin is a minimal plugin for registry tests.
type fakePlugin struct {
	name      string
	adminOnly bool
	defaults  map[string]any
	gotConfig map[string]any
}

func (f *fakePlugin) Info() Info {
	return Info{Name: f.name, Description: "fake", Version: "0.0.1", Source: "test", AdminOnly: f.adminOnly}
}

func (f *fakePlugin) DefaultConfig() map[string]any { return f.defaults }

func (f *fakePlugin) Init(cfg map[string]any) error {
	f.gotConfig = cfg
	return nil
}

func (f *fakePlugin) Request(_ context.Context, _ *User, _ json.RawMessage, _ string) Response {
	return TextResponse(http.StatusOK, "ok")
}

func (f *fakePlugin) File(_ context.Context, _ *User, _ Upload, _ json.RawMessage, _ string) Response {
	return TextResponse(http.StatusOK, "ok")
}

func TestNewRegistry(t *testing.T) {
	t.Run("keeps insertion order", func(t *testing.T) {
		r, err := NewRegistry(&fakePlugin{name: "zeta"}, &fakePlugin{name: "alpha"}, &fakePlugin{name: "mid"})
		require.NoError(t, err)
		assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())

		infos := r.Infos()
		require.Len(t, infos, 3)
		assert.Equal(t, "zeta", infos[0].Name)
	})

	t.Run("duplicate name fails", func(t *testing.T) {
		_, err := NewRegistry(&fakePlugin{name: "dup"}, &fakePlugin{name: "dup"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("empty name fails", func(t *testing.T) {
		_, err := NewRegistry(&fakePlugin{name: ""})
		require.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		r, err := NewRegistry(&fakePlugin{name: "one"})
		require.NoError(t, err)

		_, ok := r.Get("one")
		assert.True(t, ok)
		_, ok = r.Get("two")
		assert.False(t, ok)
	})
}

func TestRegistry_Init(t *testing.T) {
	p := &fakePlugin{name: "cfg", defaults: map[string]any{"a": 1, "b": 2}}
	r, err := NewRegistry(p)
	require.NoError(t, err)

	err = r.Init(func(name string, defaults map[string]any) map[string]any {
		require.Equal(t, "cfg", name)
		merged := map[string]any{}
		for k, v := range defaults {
			merged[k] = v
		}
		merged["b"] = 20 // file override
		return merged
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 20}, p.gotConfig)
}

func TestResponses(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		resp := JSONResponse(http.StatusOK, map[string]string{"k": "v"})
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "application/json", resp.ContentType)
		assert.JSONEq(t, `{"k":"v"}`, string(resp.Body))
	})

	t.Run("text", func(t *testing.T) {
		resp := TextResponse(http.StatusNotFound, "nope")
		assert.Equal(t, http.StatusNotFound, resp.Status)
		assert.Equal(t, "nope", string(resp.Body))
	})
}
