package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flagdeck/internal/config"
	"flagdeck/internal/db"
	"flagdeck/internal/domain"
	"flagdeck/internal/engine"
	"flagdeck/internal/engine/auth"
	"flagdeck/internal/instrument"
	"flagdeck/internal/migrate"
)

const testSecret = "test-secret"

const testCatalog = `
build:
  debug_device: true
overrides:
  allow_release: false
flags:
  - id: 1
    name: ENABLE_SEARCH
    channel: debug
    state: enabled
    description: Search in all apps
  - id: 2
    name: ENABLE_TASKBAR
    channel: release
    state: disabled
  - name: HOTSEAT_COUNT
    channel: debug
    kind: int
    default: 4
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testCatalog))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	reads, err := instrument.NewReadCounter(reg)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	e, err := engine.Open(context.Background(), conn, cfg, engine.Options{Reads: reads})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, actor string, perms ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, perms, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListAndGetFlags(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	hdr := bearer(t, "reader", auth.PermFlagsRead)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list FlagListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	var names []string
	for _, f := range list.Items {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"ENABLE_SEARCH", "ENABLE_TASKBAR", "HOTSEAT_COUNT"}, names); diff != "" {
		t.Fatalf("flag order mismatch (-want +got):\n%s", diff)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags?channel=release", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(data))
	}
	list = FlagListResponse{}
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].Name != "ENABLE_TASKBAR" {
		t.Fatalf("unexpected release filter result %+v", list.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags/ENABLE_SEARCH", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got domain.FlagView
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal flag: %v", err)
	}
	want := domain.FlagView{
		ID:          1,
		Name:        "ENABLE_SEARCH",
		Kind:        "bool",
		Channel:     "debug",
		State:       "enabled",
		Description: "Search in all apps",
		Default:     true,
		Value:       true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("flag mismatch (-want +got):\n%s", diff)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags/MISSING", nil, hdr)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOverrideLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	reader := bearer(t, "reader", auth.PermFlagsRead)
	writer := bearer(t, "dev", auth.PermFlagsWrite)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/flags/ENABLE_SEARCH/override", OverrideRequest{Value: "false"}, reader)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden for reader, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/flags/ENABLE_SEARCH/override", OverrideRequest{Value: "false"}, writer)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "toggler_hidden" {
		t.Fatalf("expected toggler hidden, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/toggler", DeveloperOptionsRequest{DeveloperOptions: true}, writer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggler status %d: %s", res.StatusCode, string(data))
	}
	var tg domain.Toggler
	_ = json.Unmarshal(data, &tg)
	if !tg.Visible {
		t.Fatalf("expected toggler visible: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/flags/ENABLE_SEARCH/override", OverrideRequest{Value: "false"}, writer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	var v domain.FlagView
	_ = json.Unmarshal(data, &v)
	if v.Value != false || !v.Overridden || v.OverriddenBy != "dev" {
		t.Fatalf("unexpected override view %+v", v)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/flags/HOTSEAT_COUNT/override", OverrideRequest{Value: "six"}, writer)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_value" {
		t.Fatalf("expected invalid value, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/flags/ENABLE_TASKBAR/override", OverrideRequest{Value: "true"}, writer)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "release_override_disabled" {
		t.Fatalf("expected release override rejection, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flags?overridden=true", nil, reader)
	var list FlagListResponse
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 1 {
		t.Fatalf("expected one overridden flag, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/flags/ENABLE_SEARCH/override", nil, writer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear status %d: %s", res.StatusCode, string(data))
	}
	v = domain.FlagView{}
	_ = json.Unmarshal(data, &v)
	if v.Value != true || v.Overridden {
		t.Fatalf("expected default after clear %+v", v)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/flags/ENABLE_SEARCH/override", nil, writer)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second clear, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=10&type=flag.override.set", nil, reader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventListResponse
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].EntityID != "ENABLE_SEARCH" || evts.Items[0].ActorID != "dev" {
		t.Fatalf("unexpected events %s", string(data))
	}
}

func TestClearAllOverrides(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if _, err := srv.Engine.SetDeveloperOptions(ctx, true, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.SetOverride(ctx, "HOTSEAT_COUNT", "6", "seed"); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/overrides", nil, bearer(t, "admin", auth.PermAdmin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear all status %d: %s", res.StatusCode, string(data))
	}
	var out ClearAllResponse
	_ = json.Unmarshal(data, &out)
	if out.Cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", out.Cleared)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "ci", "pipeline", []string{auth.PermFlagsRead})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	hdr := map[string]string{"X-Api-Key": secret}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	want := WhoAmIResponse{ActorID: "ci", Permissions: []string{auth.PermFlagsRead}, Source: "api_key"}
	if diff := cmp.Diff(want, me); diff != "" {
		t.Fatalf("principal mismatch (-want +got):\n%s", diff)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/overrides", nil, hdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected read-only key to be forbidden, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/toggler", nil, map[string]string{"X-Api-Key": "fd_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unknown key rejected, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "alice", Permissions: []string{auth.PermFlagsRead}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/toggler", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggler status %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flags/HOTSEAT_COUNT", nil, bearer(t, "reader", auth.PermFlagsRead))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `flagdeck_flag_reads_total{flag="HOTSEAT_COUNT",kind="int"}`) {
		t.Fatalf("expected read counter in metrics, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/flags/{name}/override") {
		t.Fatalf("expected openapi document, got %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const n = 8
	bodies := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				bodies <- "error: " + err.Error()
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies <- string(data)
		}()
	}
	first := <-bodies
	if !strings.Contains(first, `"openapi"`) {
		t.Fatalf("expected openapi document, got %q", first)
	}
	for i := 1; i < n; i++ {
		if got := <-bodies; got != first {
			t.Fatalf("concurrent openapi responses differ")
		}
	}
}
