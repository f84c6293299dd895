package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adminhttp "github.com/fyrsmithlabs/txcore/internal/http"
)

func statusServer(t *testing.T, code int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusClient_OK(t *testing.T) {
	srv := statusServer(t, http.StatusOK, sample(7, 1, 2))

	status, err := NewStatusClient(srv.URL).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, uint64(7), status.Transactions.Committed)
	assert.Equal(t, 2, status.Transactions.InFlight)
	require.NotNil(t, status.Recovery)
	assert.Equal(t, 3, status.Recovery.Executions)
}

func TestStatusClient_Unavailable(t *testing.T) {
	srv := statusServer(t, http.StatusServiceUnavailable, adminhttp.StatusResponse{Status: "unavailable"})

	status, err := NewStatusClient(srv.URL).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unavailable", status.Status)
	assert.False(t, status.Transactions.Running)
}

func TestStatusClient_UnexpectedCode(t *testing.T) {
	srv := statusServer(t, http.StatusInternalServerError, map[string]string{"message": "boom"})

	_, err := NewStatusClient(srv.URL).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestStatusClient_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewStatusClient(srv.URL).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestStatusClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewStatusClient(url).Status(context.Background())
	assert.Error(t, err)
}
