package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workdir isolates config discovery and env overrides for one test.
func workdir(t *testing.T, configYAML string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"OPENAI_API_KEY", "EMBEDSTREAM_MASTER_KEY", "EMBEDSTREAM_CONFIG", "CACHE_TYPE", "USAGE_ENABLED", "STORAGE_TYPE", "METRICS_ENABLED", "LOG_FORMAT", "LOG_LEVEL", "EMBED_DEFAULT_MODEL", "EMBED_MAX_RETRIES"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Reader = strings.NewReader(stdin)
	a.Writer = &out
	a.ErrWriter = io.Discard
	err := a.Run(append([]string{"embedstream"}, args...))
	return out.String(), err
}

func TestFrameCommand(t *testing.T) {
	cfg := workdir(t, "logging:\n  level: error\n")

	out, err := run(t, "\"Hel\"\n{\"content\":\"lo\"}\n\n{\"event\":\"on_chat_model_stream\",\"data\":{\"chunk\":{\"content\":\"!\"}}}\n", "--config", cfg, "frame")
	require.NoError(t, err)
	assert.Equal(t, "0:\"Hel\"\n0:\"lo\"\n0:\"!\"\n", out)
}

func TestFrameCommand_MalformedUnit(t *testing.T) {
	cfg := workdir(t, "logging:\n  level: error\n")

	out, err := run(t, "\"ok\"\n42\n", "--config", cfg, "frame")
	require.Error(t, err)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `0:"ok"`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "3:"), lines[1])
}

func TestTokenCommand(t *testing.T) {
	cfg := workdir(t, "server:\n  master_key: s3cret\nlogging:\n  level: error\n")

	out, err := run(t, "", "--config", cfg, "token", "--subject", "ci", "--ttl", "1h")
	require.NoError(t, err)

	tok, err := jwt.Parse(strings.TrimSpace(out), func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	sub, err := tok.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "ci", sub)
	exp, err := tok.Claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp.Time, time.Minute)
}

func TestTokenCommand_RequiresMasterKey(t *testing.T) {
	cfg := workdir(t, "logging:\n  level: error\n")

	_, err := run(t, "", "--config", cfg, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key")
}

func TestEmbedCommand(t *testing.T) {
	var batches []int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		batches = append(batches, len(req.Input))
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{1, 2, 3}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]any{"prompt_tokens": len(req.Input)},
		})
	}))
	defer upstream.Close()

	cfg := workdir(t, `
logging:
  level: error
embedding:
  default_model: local
  max_retries: 0
  initial_backoff: 1ms
  max_backoff: 1ms
providers:
  local:
    type: openai
    base_url: `+upstream.URL+`
    model: tiny
    max_per_call: 2
`)
	input := filepath.Join(filepath.Dir(cfg), "values.txt")
	require.NoError(t, os.WriteFile(input, []byte("a\n\nb\n  c  \n"), 0o600))

	out, err := run(t, "", "--config", cfg, "embed", "--file", input)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, batches)
	assert.Contains(t, out, "embeddings: 3\n")
	assert.Contains(t, out, "dimensions: 3\n")
	assert.Contains(t, out, "tokens: 3\n")
}

func TestEmbedCommand_UnknownModel(t *testing.T) {
	cfg := workdir(t, "logging:\n  level: error\n")

	_, err := run(t, "a\n", "--config", cfg, "embed", "--file", "-", "--model", "missing")
	require.Error(t, err)
}

func TestReadValues(t *testing.T) {
	values, err := readValues("-", strings.NewReader(" x \n\ny\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, values)

	_, err = readValues(filepath.Join(t.TempDir(), "nope.txt"), nil)
	require.Error(t, err)
}

func TestServeCommand_RequiresProviders(t *testing.T) {
	cfg := workdir(t, "logging:\n  level: error\n")

	_, err := run(t, "", "--config", cfg, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}
