package httprpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPostSendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"result":{"ok":true}}`))
	}))
	defer srv.Close()

	c := New()
	c.SetHeader("Authorization", "Bearer T")
	resp, err := c.Post(context.Background(), srv.URL, []byte(`{"a":1}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer T" {
		t.Fatalf("expected Authorization header to be forwarded, got %q", gotAuth)
	}
	if gotBody != `{"a":1}` {
		t.Fatalf("expected body to be forwarded, got %q", gotBody)
	}
	if !strings.Contains(resp, "ok") {
		t.Fatalf("expected response body to be returned, got %q", resp)
	}
	if c.LastStatusCode() != http.StatusOK {
		t.Fatalf("expected last status 200, got %d", c.LastStatusCode())
	}
}

func TestPostTransportFailure(t *testing.T) {
	c := New()
	_, err := c.Post(context.Background(), "https://127.0.0.1:0/unreachable", nil, nil)
	if err == nil {
		t.Fatalf("expected a transport error")
	}
	if c.LastError() == "" {
		t.Fatalf("expected LastError to be recorded")
	}
}
