package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": `{"ok":true}`}}},
		})
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, BaseBackoff: time.Millisecond, RatePerSecond: 100, Burst: 10})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, true)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, BaseBackoff: time.Millisecond})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
	assert.False(t, IsRetryable(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "", ExtractJSON("no json here"))
}
