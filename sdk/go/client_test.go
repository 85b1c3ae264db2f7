package venuelinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTenantAndToken(t *testing.T) {
	var gotTenant, gotAuth, gotPath string
	var gotMsg Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotMsg)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"booking_id": "b1",
			"tenant":     "acme",
			"stage":      4,
			"status":     "open",
			"task":       map[string]any{"id": "task-1", "status": "pending"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "acme")
	c.BearerToken = "tok"
	turn, err := c.SendMessage(context.Background(), Message{Body: "hello", ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v0/messages", gotPath)
	assert.Equal(t, "thread-1", gotMsg.ThreadID)
	assert.Equal(t, "b1", turn.BookingID)
	require.NotNil(t, turn.Task)
	assert.Equal(t, "task-1", turn.Task.ID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"busy","message":"turn timeout","details":{"retryable":true}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.ActorID = "ops"
	_, err := c.Approve(context.Background(), "task-1", "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "busy", apiErr.Code)
	assert.True(t, IsRetryable(err))
}
