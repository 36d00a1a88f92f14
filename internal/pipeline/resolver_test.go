package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveDownloadURLJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ref"); got != "abc123" {
			t.Errorf("ref query = %q, want abc123", got)
		}
		if got := r.URL.Query().Get("ext"); got != "mp4" {
			t.Errorf("ext query = %q, want mp4", got)
		}
		if got := r.Header.Get("Referer"); got != "https://portal.example/" {
			t.Errorf("referer = %q", got)
		}
		w.Write([]byte(`"https:\/\/cdn.example\/media\/abc123.mp4"`))
	}))
	defer srv.Close()

	resolver := &Resolver{
		Endpoint: srv.URL,
		Referer:  "https://portal.example/",
		Cookie:   "session=1",
	}
	url, err := resolver.ResolveDownloadURL(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("ResolveDownloadURL error = %v", err)
	}
	if url != "https://cdn.example/media/abc123.mp4" {
		t.Fatalf("url = %q", url)
	}
}

func TestResolveDownloadURLRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  http://cdn.example/raw.mp4\n"))
	}))
	defer srv.Close()

	resolver := &Resolver{Endpoint: srv.URL}
	url, err := resolver.ResolveDownloadURL(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("ResolveDownloadURL error = %v", err)
	}
	if url != "http://cdn.example/raw.mp4" {
		t.Fatalf("url = %q", url)
	}
}

func TestResolveDownloadURLRejectsNonURLPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	resolver := &Resolver{Endpoint: srv.URL}
	if _, err := resolver.ResolveDownloadURL(context.Background(), "ref-1"); err == nil {
		t.Fatal("expected error for non-URL payload")
	}
}

func TestResolveDownloadURLRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	resolver := &Resolver{Endpoint: srv.URL}
	if _, err := resolver.ResolveDownloadURL(context.Background(), "ref-1"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestHeaderString(t *testing.T) {
	resolver := &Resolver{Referer: "https://portal.example/", Cookie: "a=1"}
	want := "Referer: https://portal.example/\r\nCookie: a=1\r\n"
	if got := resolver.HeaderString(); got != want {
		t.Fatalf("HeaderString() = %q, want %q", got, want)
	}
	empty := &Resolver{}
	if got := empty.HeaderString(); got != "" {
		t.Fatalf("HeaderString() on empty resolver = %q", got)
	}
}
