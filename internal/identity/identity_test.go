package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequireRejectsMissingHeaders(t *testing.T) {
	t.Parallel()

	called := false
	h := Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	for _, headers := range []map[string]string{
		{},
		{SessionHeaderName: "s1"},
		{SMBHeaderName: "b1"},
		{SessionHeaderName: "bad id with spaces", SMBHeaderName: "b1"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/chat-completion", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("headers %v: status = %d, want 401", headers, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), MissingHeadersMessage) {
			t.Fatalf("headers %v: body = %q", headers, rec.Body.String())
		}
	}
	if called {
		t.Fatal("next handler should not run")
	}
}

func TestRequireStoresCaller(t *testing.T) {
	t.Parallel()

	var got Caller
	h := Require(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = CallerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/chat-completion", nil)
	req.Header.Set(SessionHeaderName, " sess-1 ")
	req.Header.Set(SMBHeaderName, "smb_2")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.SessionID != "sess-1" || got.SMBID != "smb_2" {
		t.Fatalf("caller = %+v", got)
	}
}

func TestFromRequestQueryFallback(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/ui/history?session_key=s9&smb_key=b9", nil)
	got := FromRequest(req)
	if got.SessionID != "s9" || got.SMBID != "b9" {
		t.Fatalf("caller = %+v", got)
	}
}

func TestContextDefaults(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if SessionIDFromContext(req.Context()) != "" || SMBIDFromContext(req.Context()) != "" {
		t.Fatal("expected empty identity")
	}
}
