// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/buffer"
	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/storage"
	"github.com/lakesync/lakesync/internal/websocket"
)

const testSecret = "test-secret"

//nolint:gochecknoinits // keep test output clean
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type routerFixture struct {
	router *Router
	srv    *httptest.Server
	gw     *gateway.Gateway
	store  persistence.Store
	sink   *storage.MemoryTable
}

func newFixture(t *testing.T, secret string, mutate func(*RouterConfig)) *routerFixture {
	t.Helper()

	clock := hlc.NewClock()
	store := persistence.NewMemory()
	sink := storage.NewMemoryTable()
	verifier := auth.NewVerifier(secret)

	gw := gateway.New(gateway.Config{
		ID:        "gw-1",
		Clock:     clock,
		Buffer:    buffer.New(buffer.Config{Clock: clock, WAL: store}),
		FlushSink: sink,
	})
	ws := websocket.NewManager(websocket.ManagerConfig{Verifier: verifier}, gw)
	connectors := connector.NewManager(store, gw)

	cfg := RouterConfig{RateLimitPerMinute: 10_000}
	if mutate != nil {
		mutate(&cfg)
	}

	var draining atomic.Bool
	router := NewRouter(cfg, gw, ws, verifier, store, connectors, &draining)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(connectors.Close)

	return &routerFixture{router: router, srv: srv, gw: gw, store: store, sink: sink}
}

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func sampleDeltas(clientID string, n int) []*delta.RowDelta {
	out := make([]*delta.RowDelta, n)
	for i := range out {
		out[i] = &delta.RowDelta{
			DeltaID:  fmt.Sprintf("%s-%s-%d", clientID, time.Now().Format("150405.000000000"), i),
			Table:    "todos",
			RowID:    "r1",
			ClientID: clientID,
			Op:       delta.OpInsert,
			Columns:  []delta.Column{{Name: "title", Value: "x"}},
			HLC:      hlc.New(uint64(100+i), 0),
		}
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, _ := doJSON(t, http.MethodGet, f.srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready = %d", resp.StatusCode)
	}
}

func TestReadyReportsFailingFlushTarget(t *testing.T) {
	f := newFixture(t, "", func(cfg *RouterConfig) {
		cfg.ReadyCheck = func(context.Context) error { return errors.New("lake down") }
	})

	resp, body := doJSON(t, http.MethodGet, f.srv.URL+"/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/ready = %d, body %s", resp.StatusCode, body)
	}
}

func TestPushAndPullUnauthenticated(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/sync/gw-1/push", "", map[string]any{
		"clientId": "c1",
		"deltas":   sampleDeltas("c1", 2),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push = %d, body %s", resp.StatusCode, body)
	}
	var ack pushResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.AcceptedDeltas != 2 || ack.ServerHLC == 0 {
		t.Errorf("ack = %+v", ack)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}

	resp, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c2&since=0", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull = %d, body %s", resp.StatusCode, body)
	}
	var pull gateway.PullResponse
	if err := json.Unmarshal(body, &pull); err != nil {
		t.Fatal(err)
	}
	if len(pull.Deltas) != 2 {
		t.Errorf("pulled %d deltas", len(pull.Deltas))
	}
}

func TestPushPiggybacksPullAtLastSeenHLC(t *testing.T) {
	f := newFixture(t, "", nil)

	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "other",
		Deltas:   sampleDeltas("other", 1),
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/sync/gw-1/push", "", map[string]any{
		"clientId":    "c1",
		"deltas":      sampleDeltas("c1", 1),
		"lastSeenHlc": 0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push = %d, body %s", resp.StatusCode, body)
	}
	var ack pushResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatal(err)
	}
	// Both the other client's delta and its own come back.
	if len(ack.Deltas) != 2 {
		t.Errorf("piggyback deltas = %d, want 2", len(ack.Deltas))
	}
}

func TestPushValidation(t *testing.T) {
	f := newFixture(t, "", nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed JSON", `{`, http.StatusBadRequest},
		{"missing clientId", `{"deltas":[]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/v1/sync/gw-1/push", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestPushBodyTooLarge(t *testing.T) {
	f := newFixture(t, "", nil)

	big := make([]byte, MaxPushBody+1)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/sync/gw-1/push", bytes.NewReader(big))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestPullRequiresClientID(t *testing.T) {
	f := newFixture(t, "", nil)
	resp, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?since=0", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownGatewayIs404(t *testing.T) {
	f := newFixture(t, "", nil)
	resp, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/nope/pull?clientId=c1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	resp, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	wrongGW := mintToken(t, testSecret, jwt.MapClaims{"sub": "c1", "gw": "gw-2"})
	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1", wrongGW, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong gateway = %d, want 403", resp.StatusCode)
	}

	good := mintToken(t, testSecret, jwt.MapClaims{"sub": "c1", "gw": "gw-1"})
	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1", good, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token = %d, want 200", resp.StatusCode)
	}
}

func TestPushAsAnotherClientForbidden(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	token := mintToken(t, testSecret, jwt.MapClaims{"sub": "c1", "gw": "gw-1"})
	resp, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/sync/gw-1/push", token, map[string]any{
		"clientId": "someone-else",
		"deltas":   sampleDeltas("someone-else", 1),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	client := mintToken(t, testSecret, jwt.MapClaims{"sub": "c1", "gw": "gw-1"})
	resp, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/flush/gw-1", client, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("client role = %d, want 403", resp.StatusCode)
	}

	admin := mintToken(t, testSecret, jwt.MapClaims{"sub": "ops", "gw": "gw-1", "role": "admin"})
	resp, _ = doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/flush/gw-1", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin role = %d, want 200", resp.StatusCode)
	}

	// An admin of another tenant cannot reach this gateway's admin routes.
	foreign := mintToken(t, testSecret, jwt.MapClaims{"sub": "ops", "gw": "gw-2", "role": "admin"})
	resp, _ = doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/flush/gw-1", foreign, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign admin = %d, want 403", resp.StatusCode)
	}
}

func TestAdminFlushDrainsBuffer(t *testing.T) {
	f := newFixture(t, "", nil)

	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "c1",
		Deltas:   sampleDeltas("c1", 3),
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/flush/gw-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flush = %d, body %s", resp.StatusCode, body)
	}

	flushed, err := f.sink.QueryDeltasSince(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 3 {
		t.Errorf("sink holds %d deltas, want 3", len(flushed))
	}
	if f.gw.Stats().LogSize != 0 {
		t.Errorf("buffer not drained: %+v", f.gw.Stats())
	}
}

func TestSyncRulesRoundTrip(t *testing.T) {
	f := newFixture(t, "", nil)

	rules := map[string]any{
		"buckets": []map[string]any{{
			"name":   "own-rows",
			"tables": []string{"todos"},
			"filters": []map[string]any{
				{"column": "owner", "op": "eq", "value": "claim:sub"},
			},
		}},
	}
	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/sync-rules/gw-1", "", rules)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save = %d, body %s", resp.StatusCode, body)
	}
	if f.gw.Rules() == nil {
		t.Fatal("rules not applied to the gateway")
	}

	doc, err := f.store.GetConfig(persistence.KindSyncRules, "gw-1")
	if err != nil || doc == nil {
		t.Fatalf("persisted doc = %v, err %v", doc, err)
	}
}

func TestSyncRulesRejectsInvalid(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, _ := doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/sync-rules/gw-1", "", map[string]any{
		"buckets": []map[string]any{{"name": ""}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectorLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, "", nil)

	// The table type needs no external source.
	cfg := map[string]any{"name": "local", "type": connector.TypeTable}
	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/connectors/gw-1", "", cfg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d, body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, f.srv.URL+"/v1/admin/connectors/gw-1", "", cfg)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register = %d, body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/admin/connectors/gw-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var listed struct {
		Connectors []connector.Status `json:"connectors"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Connectors) != 1 || listed.Connectors[0].Name != "local" {
		t.Errorf("list = %+v", listed)
	}

	resp, _ = doJSON(t, http.MethodDelete, f.srv.URL+"/v1/admin/connectors/gw-1/local", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unregister = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, f.srv.URL+"/v1/admin/connectors/gw-1/local", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second unregister = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	f := newFixture(t, "", func(cfg *RouterConfig) {
		cfg.RateLimitPerMinute = 2
	})

	var last *http.Response
	for i := 0; i < 3; i++ {
		last, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1&since=0", "", nil)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestDrainingReturns503(t *testing.T) {
	f := newFixture(t, "", nil)
	f.router.draining.Store(true)

	resp, body := doJSON(t, http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != codeDraining {
		t.Errorf("code = %q", env.Code)
	}

	// Health stays up while draining; readiness flips.
	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health while draining = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/ready while draining = %d", resp.StatusCode)
	}
}

func TestLegacyPathRedirects(t *testing.T) {
	f := newFixture(t, "", nil)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(f.srv.URL + "/sync/gw-1/pull?clientId=c1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/sync/gw-1/pull?clientId=c1" {
		t.Errorf("Location = %q", loc)
	}
	if resp.Header.Get("Sunset") == "" {
		t.Error("Sunset header missing")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, "", nil)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, _ := doJSON(t, http.MethodGet, f.srv.URL+"/health", "", nil)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestOpenAPIAndConnectorTypes(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := doJSON(t, http.MethodGet, f.srv.URL+"/v1/openapi.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi = %d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("openapi document is not valid JSON: %v", err)
	}
	if doc["openapi"] == "" {
		t.Error("openapi version missing")
	}

	resp, body = doJSON(t, http.MethodGet, f.srv.URL+"/v1/connectors/types", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("types = %d", resp.StatusCode)
	}
	var types struct {
		Types []connectorType `json:"types"`
	}
	if err := json.Unmarshal(body, &types); err != nil {
		t.Fatal(err)
	}
	if len(types.Types) != 3 {
		t.Errorf("types = %+v", types)
	}
}

func TestRequestTimeoutReturns504(t *testing.T) {
	f := newFixture(t, "", func(cfg *RouterConfig) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})

	// A source adapter that blocks until the request context dies.
	f.gw.RegisterSource("slow", slowAdapter{})

	resp, body := doJSON(t, http.MethodGet,
		f.srv.URL+"/v1/sync/gw-1/pull?clientId=c1&source=slow", "", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != codeTimeout {
		t.Errorf("code = %q", env.Code)
	}
}

type slowAdapter struct{}

func (slowAdapter) EnsureSchema(ctx context.Context) error { return nil }

func (slowAdapter) InsertDeltas(ctx context.Context, deltas []*delta.RowDelta) error { return nil }

func (slowAdapter) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]*delta.RowDelta, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowAdapter) GetLatestState(ctx context.Context, table, rowID string) (storage.Row, error) {
	return nil, nil
}

func (slowAdapter) Close() error { return nil }
