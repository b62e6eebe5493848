package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWithDefaults(t *testing.T) {
	defaults := map[string]string{"User-Agent": "astrorelay", "Accept": "application/json"}
	out := WithDefaults(defaults, map[string]string{"User-Agent": "custom"})
	if out["User-Agent"] != "custom" || out["Accept"] != "application/json" {
		t.Fatalf("unexpected headers %v", out)
	}
	if defaults["User-Agent"] != "astrorelay" {
		t.Fatal("defaults were modified")
	}
}

func TestGetJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "1" {
			t.Errorf("missing header")
		}
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, status, err := GetJSON(context.Background(), NewClient(time.Second), srv.URL, map[string]string{"X-Test": "1"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable || status != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v (status %d)", err, status)
	}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, status, err := PostJSON(context.Background(), nil, srv.URL, nil, map[string]int{"id": 1})
	if err != nil || status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("PostJSON = %s %d %v", body, status, err)
	}
}
