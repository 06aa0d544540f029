package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/talonhq/talon/internal/agent"
	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/ratelimit"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/sessions"
	"github.com/talonhq/talon/internal/store"
	"github.com/talonhq/talon/internal/stream"
)

// quietShell is the signed-in, empty home timeline every fake page
// serves, so background polls and agent slots succeed without finding
// anything to act on.
const quietShell = `<html><body>
<div data-testid="primaryColumn"></div>
<a data-testid="SideNav_NewTweet_Button" href="/compose/post"></a>
<div data-testid="SideNav_AccountSwitcher_Button"><span>@tester</span></div>
</body></html>`

// staticPage is stateless so concurrent kernels can share it freely.
type staticPage struct{}

func (staticPage) Navigate(context.Context, string) error       { return nil }
func (staticPage) HTML(context.Context) (string, error)         { return quietShell, nil }
func (staticPage) Click(context.Context, string) error          { return nil }
func (staticPage) Type(context.Context, string, string) error   { return nil }
func (staticPage) WaitVisible(context.Context, string) error    { return nil }
func (staticPage) Eval(context.Context, string) (string, error) { return "", nil }
func (staticPage) Close() error                                 { return nil }

type staticHandle struct {
	mu      sync.Mutex
	cookies []browser.Cookie
}

func (h *staticHandle) NewPage(context.Context) (browser.Page, error) { return staticPage{}, nil }
func (h *staticHandle) Connected() bool                               { return true }

func (h *staticHandle) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies = append([]browser.Cookie(nil), cookies...)
	return nil
}

func (h *staticHandle) Cookies(context.Context) ([]browser.Cookie, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]browser.Cookie(nil), h.cookies...), nil
}

func (h *staticHandle) Close() error { return nil }

type staticDriver struct{}

func (staticDriver) Launch(context.Context) (browser.Handle, error) {
	return &staticHandle{}, nil
}

type testAPI struct {
	mux *http.ServeMux
	mgr *stream.Manager
	sup *agent.Supervisor
	bus *events.Bus
	st  *store.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(config.StoreConfig{Addr: mr.Addr(), KeyTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	pool := browser.NewPool(config.PoolConfig{
		MaxHandles:        2,
		MaxPagesPerHandle: 4,
		HandleMaxAge:      time.Hour,
		AcquireTimeout:    2 * time.Second,
		MaintainInterval:  100 * time.Millisecond,
	}, staticDriver{}, logger)
	t.Cleanup(func() { _ = pool.Close() })

	disp := scraper.NewDispatcher(config.ScraperConfig{
		BaseURL:   "https://x.test",
		OpTimeout: 5 * time.Second,
		RetryBase: time.Millisecond,
	}, logger)

	reg := ratelimit.New(config.RateConfig{Strategy: "wait", WaitCap: time.Second},
		ratelimit.Defaults{Default: ratelimit.EndpointDefault{Limit: 1 << 20, WindowS: 60}},
		nil, zap.NewNop())

	bus := events.NewBus(64)

	mgr := stream.NewManager(stream.Deps{
		Cfg: config.StreamConfig{
			MinInterval:          10 * time.Second,
			MaxInterval:          24 * time.Hour,
			DefaultInterval:      time.Hour,
			MaxConsecutiveErrors: 5,
			BackoffCap:           time.Minute,
			SeenRingSize:         64,
			LockMargin:           time.Second,
			StopGrace:            time.Second,
		},
		EventsCap: 64,
		Store:     st,
		Pool:      pool,
		Dispatch:  disp,
		Rate:      reg,
		Bus:       bus,
		Logger:    logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	t.Setenv("TALON_SESSION_KEY", strings.Repeat("a1", 32))
	jar, err := sessions.New(config.SessionsConfig{Dir: t.TempDir()}, logger)
	require.NoError(t, err)

	sup := agent.NewSupervisor(agent.Deps{
		Cfg: config.AgentConfig{
			Timezone:       "UTC",
			SleepHours:     []int{0, 0},
			DailyLimits:    map[string]int{"likes": 50, "follows": 20, "comments": 10, "posts": 5},
			SearchQueries:  []string{"golang"},
			TopicHints:     []string{"distributed systems"},
			ScoreCacheSize: 64,
		},
		Store:    st,
		Pool:     pool,
		Dispatch: disp,
		Rate:     reg,
		Bus:      bus,
		Sessions: jar,
		Logger:   logger,
	}, circadian.DefaultTemplate())
	t.Cleanup(func() { sup.StopAll(time.Second) })

	mux := http.NewServeMux()
	NewStreamHandler(mgr, logger).RegisterRoutes(mux)
	NewAgentHandler(sup, logger).RegisterRoutes(mux)
	eh := NewEventsHandler(bus, logger)
	eh.RegisterRoutes(mux)
	eh.RegisterWebSocket(mux)

	return &testAPI{mux: mux, mgr: mgr, sup: sup, bus: bus, st: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	return w
}

func (a *testAPI) doRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}
