package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProviderSearch(t *testing.T) {
	var gotQuery, gotLimit, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotLimit = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"results":[
			{"title":"One","url":"https://example.com/1","description":"first"},
			{"title":"Two","url":"https://example.com/2"}
		]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "sk-test", slog.Default())
	results, err := p.Search(context.Background(), "golang crawler", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if gotQuery != "golang crawler" || gotLimit != "5" {
		t.Errorf("query params: q=%q limit=%q", gotQuery, gotLimit)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(results) != 2 || results[0].URL != "https://example.com/1" {
		t.Errorf("results = %+v", results)
	}
}

func TestHTTPProviderTruncatesToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
			{"title":"1","url":"https://e.com/1"},
			{"title":"2","url":"https://e.com/2"},
			{"title":"3","url":"https://e.com/3"}
		]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", slog.Default())
	results, err := p.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("len = %d, want 2", len(results))
	}
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", slog.Default())
	if _, err := p.Search(context.Background(), "q", 0); err == nil {
		t.Error("expected error on 502")
	}
}
