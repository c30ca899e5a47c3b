package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func tagsServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write(tagsJSON(names...))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closedServerURL() string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	return srv.URL
}

func TestIsRunning(t *testing.T) {
	srv := tagsServer(t, "llama3.2:latest")
	assert.True(t, New(srv.URL+"/").IsRunning(context.Background()))
	assert.False(t, New(closedServerURL()).IsRunning(context.Background()))
}

func TestListModels(t *testing.T) {
	srv := tagsServer(t, "llama3.2:latest", "nomic-embed-text:latest")
	models, err := New(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "nomic-embed-text:latest"}, models)
}

func TestHasModel(t *testing.T) {
	srv := tagsServer(t, "llama3.2:latest", "nomic-embed-text:v1.5")
	c := New(srv.URL)
	assert.True(t, c.HasModel(context.Background(), "llama3.2"))
	assert.True(t, c.HasModel(context.Background(), "nomic-embed-text:v1.5"))
	assert.False(t, c.HasModel(context.Background(), "mistral"))
}

func TestChat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "Three launches were discussed."}})
	}))
	defer srv.Close()

	reply, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{
		{Role: "system", Content: "Answer from the archive."},
		{Role: "user", Content: "what about the launches?"},
	}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Three launches were discussed.", reply)
	assert.Equal(t, "llama3.2", got.Model)
	assert.False(t, got.Stream)
	assert.Empty(t, got.Format)
	assert.Nil(t, got.Options)
	assert.Len(t, got.Messages, 2)
}

func TestChat_JSONAndOptions(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: `{"terms":["cost"]}`}})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "x"}},
		ChatOptions{JSON: true, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "json", raw["format"])
	opts, ok := raw["options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.2, opts["temperature"])
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), "missing", nil, ChatOptions{})
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Contains(t, se.Body, "model not found")
}

func TestChat_ContextCancelled(t *testing.T) {
	srv := tagsServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL).Chat(ctx, "llama3.2", nil, ChatOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req["input"])
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "x")
	assert.ErrorContains(t, err, "empty embeddings")
}

func TestEmbedMany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := embedResponse{}
		for i := range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{float32(i)})
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	vecs, err := New(srv.URL).EmbedMany(context.Background(), "nomic-embed-text", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}, {2}}, vecs)

	none, err := New(srv.URL).EmbedMany(context.Background(), "nomic-embed-text", nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCheck(t *testing.T) {
	srv := tagsServer(t, "llama3.2:latest")
	c := New(srv.URL)

	r := Check(context.Background(), c, "llama3.2", "nomic-embed-text", "")
	assert.True(t, r.Running)
	assert.Equal(t, []string{"nomic-embed-text"}, r.Missing)
	assert.False(t, r.Ready())

	var buf bytes.Buffer
	r.Report(&buf, srv.URL, "llama3.2", "nomic-embed-text")
	assert.Contains(t, buf.String(), "model llama3.2: ready")
	assert.Contains(t, buf.String(), "model nomic-embed-text: missing")

	down := Check(context.Background(), New(closedServerURL()), "llama3.2")
	assert.False(t, down.Running)
	buf.Reset()
	down.Report(&buf, "http://localhost:11434", "llama3.2")
	assert.Contains(t, buf.String(), "not running")
}
