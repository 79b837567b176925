package mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMessage(t *testing.T) Message {
	t.Helper()

	msg, err := Encode(rewardEntry(42, 3), "fit.rewards")
	require.NoError(t, err)
	return msg
}

func TestHTTPClientSubmit(t *testing.T) {
	msg := testMessage(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/channels/fit.rewards/messages", r.URL.Path)
		assert.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		assert.Equal(t, msg.ID, r.Header.Get("X-Message-Id"))
		assert.Equal(t, msg.Digest, r.Header.Get("X-Payload-Digest"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, msg.Payload, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sequenceNumber": 1207}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0, zap.NewNop())

	seq, err := c.Submit(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1207), seq)
}

func TestHTTPClientAddsScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sequenceNumber": 1}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(strings.TrimPrefix(srv.URL, "http://")+"/", 0, nil)

	seq, err := c.Submit(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"sequenceNumber": 9}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 2, zap.NewNop())

	seq, err := c.Submit(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{name: "rejected", status: http.StatusBadRequest, body: "bad channel", rejected: true},
		{name: "conflict", status: http.StatusConflict, body: "", rejected: true},
		{name: "missing sequence", status: http.StatusOK, body: `{}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, 0, zap.NewNop())

			_, err := c.Submit(context.Background(), testMessage(t))
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
		})
	}
}

func TestHTTPClientGivesUpOnPersistentFailure(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 1, zap.NewNop())

	_, err := c.Submit(context.Background(), testMessage(t))
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientNotConfigured(t *testing.T) {
	c := NewHTTPClient("", 0, nil)

	_, err := c.Submit(context.Background(), testMessage(t))
	assert.Error(t, err)
}

func TestHTTPClientCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sequenceNumber": 1}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewHTTPClient(srv.URL, 2, zap.NewNop())

	_, err := c.Submit(ctx, testMessage(t))
	assert.ErrorIs(t, err, context.Canceled)
}
