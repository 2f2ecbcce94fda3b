package flagdecksdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/flags", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"code":"unauthorized","message":"authentication required"}}`)
			return
		}
		io.WriteString(w, `{"items":[
			{"name":"ENABLE_SEARCH","kind":"bool","value":false,"default":true,"overridden":true},
			{"name":"HOTSEAT_COUNT","kind":"int","value":6,"default":4}
		]}`)
	})
	mux.HandleFunc("/v0/flags/ENABLE_SEARCH/override", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && r.Method == http.MethodPut {
			t.Errorf("decode body: %v", err)
		}
		if r.Method == http.MethodPut && body["value"] != "true" {
			t.Errorf("expected stringified value, got %q", body["value"])
		}
		io.WriteString(w, `{"name":"ENABLE_SEARCH","kind":"bool","value":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSetOverrideSendsText(t *testing.T) {
	srv := fakeServer(t)
	c := New(srv.URL)
	f, err := c.SetOverride(context.Background(), "ENABLE_SEARCH", true)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if f.Value != true {
		t.Fatalf("unexpected value %v", f.Value)
	}
}

func TestAPIErrorOnUnauthorized(t *testing.T) {
	srv := fakeServer(t)
	_, err := New(srv.URL).ListFlags(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}
