package contact

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/contact-sessions", r.URL.Path)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+15550001", body["visitor_contact"])
		assert.Equal(t, "+15559999", body["smb_contact"])

		_, _ = w.Write([]byte(`{"success":true,"data":{"session_id":"sess-42","smb_id":"smb-7"}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, time.Second, nil)
	got, err := c.CreateSession(context.Background(), "+15550001", "+15559999")
	require.NoError(t, err)
	assert.Equal(t, Session{SessionID: "sess-42", SMBID: "smb-7"}, got)
}

func TestCreateSessionRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"unknown trunk"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, time.Second, nil).CreateSession(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", time.Second, nil).CreateSession(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	_, err = NewClient(srv.URL, time.Second, nil).LoadAppContext(context.Background(), "s", "b")
	assert.Error(t, err)
}

func TestLoadAppContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app-context", r.URL.Path)
		assert.Equal(t, "sess-1", r.URL.Query().Get("visitor_session"))
		assert.Equal(t, "smb-1", r.URL.Query().Get("smb_id"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"business":{"name":"Acme"}}}`))
	}))
	t.Cleanup(srv.Close)

	got, err := NewClient(srv.URL, time.Second, nil).LoadAppContext(context.Background(), "sess-1", "smb-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"business": map[string]any{"name": "Acme"}}, got)
}
