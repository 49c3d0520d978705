package host

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/config"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/resources/filesink"
)

type countingGate struct {
	mu      sync.Mutex
	entered int
	exited  int
}

func (g *countingGate) EnterCriticalOperation(string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered++
}

func (g *countingGate) ExitCriticalOperation(string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exited++
}

func (g *countingGate) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entered, g.exited
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head>
<body><a href="/a">a</a><a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page A</title></head><body><a href="/c">c</a></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page B</title></head><body>leaf</body></html>`)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page C</title></head><body>leaf</body></html>`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newSink(t *testing.T) (*filesink.Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.ndjson")
	sink, err := filesink.Open(filesink.Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	return sink, path
}

func TestRunCrawlsSiteAndRecordsPages(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	gate := &countingGate{}
	sink, path := newSink(t)

	crawler, err := New(config.CrawlConfig{
		StartURL: server.URL + "/",
		MaxDepth: 2,
		MaxPages: 10,
	}, gate, sink, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, crawler.Run(context.Background()))
	require.Equal(t, 4, crawler.pages())

	entered, exited := gate.counts()
	require.Equal(t, entered, exited)
	require.Equal(t, 4, entered)

	// Flush buffered results by running the sink's cleanup task.
	require.NoError(t, sinkCleanup(t, sink))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], `"status":200`)
	require.Contains(t, lines[0], `"title":"Home"`)
}

func TestRunHonorsPageBudget(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	gate := &countingGate{}
	sink, _ := newSink(t)

	crawler, err := New(config.CrawlConfig{
		StartURL: server.URL + "/",
		MaxDepth: 3,
		MaxPages: 2,
	}, gate, sink, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, crawler.Run(context.Background()))
	require.Equal(t, 2, crawler.pages())
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	gate := &countingGate{}
	sink, _ := newSink(t)

	crawler, err := New(config.CrawlConfig{
		StartURL: server.URL + "/",
		MaxDepth: 2,
		MaxPages: 100,
	}, gate, sink, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, crawler.Run(ctx))
	require.Zero(t, crawler.pages())
}

func TestStateSnapshotsFrontier(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	gate := &countingGate{}
	sink, _ := newSink(t)

	crawler, err := New(config.CrawlConfig{
		StartURL: server.URL + "/",
		MaxDepth: 2,
		MaxPages: 1,
	}, gate, sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, crawler.Run(context.Background()))

	state := crawler.State()
	require.Equal(t, "1", state.Application["pages_done"])
	require.Equal(t, server.URL+"/", state.Scrape["last_url"])

	pending, ok := state.Scrape["pending"].([]any)
	require.True(t, ok)
	require.Len(t, pending, 2)
}

func TestResumeRestoresFrontier(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	gate := &countingGate{}
	sink, _ := newSink(t)

	crawler, err := New(config.CrawlConfig{
		StartURL: server.URL + "/",
		MaxDepth: 2,
		MaxPages: 10,
	}, gate, sink, zap.NewNop())
	require.NoError(t, err)

	// Numbers arrive as float64 after a JSON round trip.
	crawler.Resume(lifecycle.State{
		Application: map[string]any{"pages_done": "3"},
		Scrape: map[string]any{
			"last_url": server.URL + "/a",
			"pending": []any{
				map[string]any{"url": server.URL + "/b", "depth": float64(1)},
				map[string]any{"url": server.URL + "/c", "depth": float64(2)},
			},
		},
	})
	require.Equal(t, 3, crawler.pages())

	require.NoError(t, crawler.Run(context.Background()))
	// 3 resumed + 2 pending pages; /c is at max depth so nothing new queues.
	require.Equal(t, 5, crawler.pages())

	state := crawler.State()
	require.Equal(t, "5", state.Application["pages_done"])
}

func TestResumeToleratesMalformedEntries(t *testing.T) {
	t.Parallel()

	server := newSite(t)
	sink, _ := newSink(t)
	crawler, err := New(config.CrawlConfig{StartURL: server.URL + "/"}, &countingGate{}, sink, zap.NewNop())
	require.NoError(t, err)

	crawler.Resume(lifecycle.State{
		Application: map[string]any{"pages_done": []any{"not a number"}},
		Scrape: map[string]any{
			"pending": []any{"not a map", map[string]any{"depth": float64(1)}},
		},
	})
	require.Zero(t, crawler.pages())

	state := crawler.State()
	require.Equal(t, "0", state.Application["pages_done"])
	pending, ok := state.Scrape["pending"].([]any)
	require.True(t, ok)
	require.Empty(t, pending)
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	sink, _ := newSink(t)
	_, err := New(config.CrawlConfig{}, &countingGate{}, sink, zap.NewNop())
	require.Error(t, err)

	_, err = New(config.CrawlConfig{StartURL: "https://example.com"}, nil, sink, zap.NewNop())
	require.Error(t, err)

	_, err = New(config.CrawlConfig{StartURL: "https://example.com"}, &countingGate{}, nil, zap.NewNop())
	require.Error(t, err)
}

func sinkCleanup(t *testing.T, sink *filesink.Sink) error {
	t.Helper()
	reg := &taskCapture{}
	require.NoError(t, sink.Register(reg))
	require.Len(t, reg.tasks, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return reg.tasks[0].Cleanup(ctx)
}

type taskCapture struct {
	tasks []lifecycle.CleanupTask
}

func (c *taskCapture) RegisterCleanup(task lifecycle.CleanupTask) error {
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *taskCapture) UnregisterCleanup(string) bool { return false }
