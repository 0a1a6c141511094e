package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/blocklist"
	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, token string) *API {
	t.Helper()

	cfg := new(config.Config)
	cfg.APIToken = token
	cfg.Blocklist = []string{"ads.example.com"}

	bl := blocklist.New(cfg)
	bl.Blocked("x.ads.example.com.")

	clock := clockwork.NewFakeClock()
	c := cache.New(8, clock)
	c.Put(cache.Key{Name: "example.com.", Type: dnswire.TypeA, Class: dnswire.ClassINET}, []dnswire.Resource{{
		Name:  "example.com.",
		Type:  dnswire.TypeA,
		Class: dnswire.ClassINET,
		TTL:   60,
		Data:  &dnswire.A{Addr: netip.MustParseAddr("192.0.2.1")},
	}}, 60)

	ring := instrumentation.NewRing(4)
	ring.Record(instrumentation.Event{
		Time:     clock.Now(),
		Client:   netip.MustParseAddrPort("127.0.0.1:5000"),
		Name:     "x.ads.example.com.",
		Type:     dnswire.TypeA,
		Decision: instrumentation.Blocked,
	})

	return New(cfg, config.ModeNormal, bl, c, ring)
}

func do(t *testing.T, h http.Handler, method, url, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func Test_AllAPICalls(t *testing.T) {
	a := newTestAPI(t, "")
	h := a.Handler()

	routes := []struct {
		Method         string
		ReqURL         string
		Body           string
		ExpectedStatus int
	}{
		{"GET", "/api/v1/cache", "", http.StatusOK},
		{"GET", "/api/v1/filter-statistics", "", http.StatusOK},
		{"GET", "/api/v1/instrumentation", "", http.StatusOK},
		{"GET", "/api/v1/allowed-domains", "", http.StatusOK},
		{"POST", "/api/v1/allowed-domains", `{"name":"ok.ads.example.com"}`, http.StatusOK},
		{"POST", "/api/v1/allowed-domains", `{"name":"bad..name"}`, http.StatusBadRequest},
		{"POST", "/api/v1/allowed-domains", `not json`, http.StatusBadRequest},
		{"GET", "/api/1/cache", "", http.StatusOK},
		{"GET", "/api/1/filter-statistics", "", http.StatusOK},
		{"GET", "/api/1/instrumentation", "", http.StatusOK},
		{"GET", "/api/1/allowed-domains", "", http.StatusOK},
		{"POST", "/api/1/allowed-domains", `{"name":"ok2.ads.example.com"}`, http.StatusOK},
		{"GET", "/api/v1/block/exists/ads.example.com", "", http.StatusOK},
		{"GET", "/api/v1/block/set/new.example.com", "", http.StatusOK},
		{"GET", "/api/v1/block/set/bad..name", "", http.StatusBadRequest},
		{"GET", "/api/v1/block/remove/new.example.com", "", http.StatusOK},
		{"GET", "/api/v1/block/remove/new.example.com", "", http.StatusNotFound},
		{"GET", "/api/v1/purge/example.com/A", "", http.StatusOK},
		{"GET", "/api/v1/purge/example.com/BOGUS", "", http.StatusBadRequest},
		{"GET", "/metrics", "", http.StatusOK},
		{"GET", "/api/v1/unknown", "", http.StatusNotFound},
		{"GET", "/", "", http.StatusNotFound},
		{"DELETE", "/api/v1/cache", "", http.StatusMethodNotAllowed},
	}

	for _, r := range routes {
		w := do(t, h, r.Method, r.ReqURL, "", r.Body)
		assert.Equal(t, r.ExpectedStatus, w.Code, "%s %s", r.Method, r.ReqURL)
	}
}

func Test_CacheEndpoint(t *testing.T) {
	w := do(t, newTestAPI(t, "").Handler(), "GET", "/api/v1/cache", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Stats   cache.Stats `json:"stats"`
		Entries []struct {
			Name    string `json:"name"`
			Type    string `json:"type"`
			TTL     uint32 `json:"ttl"`
			Records []struct {
				Data string `json:"data"`
			} `json:"records"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 1, body.Stats.Size)
	assert.Equal(t, 8, body.Stats.Capacity)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "example.com.", body.Entries[0].Name)
	assert.Equal(t, "A", body.Entries[0].Type)
	assert.Equal(t, uint32(60), body.Entries[0].TTL)
	assert.Equal(t, "192.0.2.1", body.Entries[0].Records[0].Data)
}

func Test_FilterStatisticsAndInstrumentation(t *testing.T) {
	h := newTestAPI(t, "").Handler()

	w := do(t, h, "GET", "/api/v1/filter-statistics", "", "")
	var st blocklist.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Rules)
	assert.Equal(t, uint64(1), st.Blocked)
	assert.Equal(t, uint64(1), st.Hits["ads.example.com."])

	w = do(t, h, "GET", "/api/v1/instrumentation", "", "")
	var events []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "blocked", events[0]["decision"])
	assert.Equal(t, "127.0.0.1:5000", events[0]["client"])
	assert.Equal(t, "A", events[0]["type"])
}

func Test_AllowedDomains(t *testing.T) {
	a := newTestAPI(t, "")
	h := a.Handler()

	w := do(t, h, "GET", "/api/v1/allowed-domains", "", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, h, "POST", "/api/v1/allowed-domains", "", `{"name":"OK.ads.example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = do(t, h, "GET", "/api/v1/allowed-domains", "", "")
	assert.JSONEq(t, `["ok.ads.example.com."]`, w.Body.String())

	assert.False(t, a.blocklist.Blocked("ok.ads.example.com."))
	assert.True(t, a.blocklist.Blocked("bad.ads.example.com."))
}

func Test_BlockRules(t *testing.T) {
	a := newTestAPI(t, "")
	h := a.Handler()

	w := do(t, h, "GET", "/api/1/block/exists/ads.example.com", "", "")
	assert.JSONEq(t, `{"exists":true}`, w.Body.String())
	w = do(t, h, "GET", "/api/1/block/exists/x.ads.example.com", "", "")
	assert.JSONEq(t, `{"exists":false}`, w.Body.String())

	w = do(t, h, "GET", "/api/1/block/set/Tracker.Example.net", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	assert.True(t, a.blocklist.Blocked("cdn.tracker.example.net."))
	assert.Equal(t, 2, a.blocklist.Length())

	w = do(t, h, "GET", "/api/1/block/remove/tracker.example.net", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, a.blocklist.Blocked("cdn.tracker.example.net."))

	w = do(t, h, "GET", "/api/1/block/remove/tracker.example.net", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_Purge(t *testing.T) {
	a := newTestAPI(t, "")
	h := a.Handler()

	key := cache.Key{Name: "example.com.", Type: dnswire.TypeA, Class: dnswire.ClassINET}

	// other types are kept
	w := do(t, h, "GET", "/api/1/purge/example.com/aaaa", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := a.cache.Get(key)
	assert.True(t, ok)

	w = do(t, h, "GET", "/api/1/purge/EXAMPLE.com./a", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	_, ok = a.cache.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, a.cache.Len())

	w = do(t, h, "GET", "/api/1/purge/bad..name/A", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_StaticDashboard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>blockdns</html>"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "network.js"), []byte("const API_PATH = '/api/1'"), 0o600))

	cfg := &config.Config{APIToken: "secret", StaticDir: dir}
	h := New(cfg, config.ModeNormal, blocklist.New(cfg), cache.New(1, nil), instrumentation.NewRing(1)).Handler()

	// the dashboard needs no token, the api behind it does
	w := do(t, h, "GET", "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "blockdns")

	w = do(t, h, "GET", "/js/network.js", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/1")

	w = do(t, h, "GET", "/api/1/cache", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, h, "GET", "/api/1/cache", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// a missing directory disables the dashboard
	cfg.StaticDir = filepath.Join(dir, "missing")
	h = New(cfg, config.ModeNormal, blocklist.New(cfg), cache.New(1, nil), instrumentation.NewRing(1)).Handler()
	w = do(t, h, "GET", "/", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_ModeAddr(t *testing.T) {
	cfg := &config.Config{API: "127.0.0.1:80", APIExternal: "0.0.0.0:80", APIDebug: "127.0.0.1:8080"}

	assert.Equal(t, "127.0.0.1:80", New(cfg, config.ModeNormal, nil, nil, nil).addr)
	assert.Equal(t, "0.0.0.0:80", New(cfg, config.ModeExternal, nil, nil, nil).addr)
	assert.Equal(t, "127.0.0.1:8080", New(cfg, config.ModeDebug, nil, nil, nil).addr)
}

func Test_BearerAuth(t *testing.T) {
	h := newTestAPI(t, "secret").Handler()

	w := do(t, h, "GET", "/api/v1/cache", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = do(t, h, "GET", "/api/v1/cache", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, "POST", "/api/v1/allowed-domains", "wrong", `{"name":"a.example.com"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, "GET", "/api/v1/cache", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, "GET", "/api/1/cache", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, h, "GET", "/api/1/block/set/a.example.com", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, h, "GET", "/api/1/purge/example.com/A", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// metrics stay outside the token
	w = do(t, h, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_Run(t *testing.T) {
	a := New(&config.Config{}, config.ModeNormal, nil, nil, nil)
	assert.NoError(t, a.Run(context.Background()))

	a = New(&config.Config{API: "127.0.0.1:0"}, config.ModeNormal, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("api did not stop")
	}
}
