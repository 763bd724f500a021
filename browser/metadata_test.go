package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><head>
			<title>  Spring Sale – Example Shop  </title>
			</head><body><h1>hi</h1></body></html>`))
	}))
	defer srv.Close()

	title, err := FetchTitle(context.Background(), nil, srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if title != "Spring Sale – Example Shop" {
		t.Errorf("title: got %q", title)
	}
}

func TestFetchTitle_NoTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>nothing here</body></html>`))
	}))
	defer srv.Close()

	title, err := FetchTitle(context.Background(), nil, srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if title != "" {
		t.Errorf("title: got %q, want empty", title)
	}
}

func TestFetchTitle_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := FetchTitle(context.Background(), nil, srv.URL); err == nil {
		t.Fatal("404: want error")
	}
}

func TestExtractTitle_MarkupInTitle(t *testing.T) {
	r := strings.NewReader(`<head><title>Plain</title></head>`)
	title, err := extractTitle(r)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if title != "Plain" {
		t.Errorf("title: got %q", title)
	}
}

func TestExtractTitle_IgnoresOtherText(t *testing.T) {
	r := strings.NewReader(`<head><style>body{}</style><title>Real</title></head>`)
	title, err := extractTitle(r)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if title != "Real" {
		t.Errorf("title: got %q, want Real", title)
	}
}
