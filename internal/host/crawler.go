// Package host runs the embedded crawl workload. It is the part of the
// process the shutdown coordinator protects: every page fetch is marked
// as a critical operation, results stream into a buffered file sink, and
// the crawl frontier is exposed as recoverable state so a later run can
// resume from the most recent checkpoint.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/config"
	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/resources/filesink"
)

type queueItem struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// Crawler walks pages breadth-first from a start URL.
type Crawler struct {
	cfg    config.CrawlConfig
	gate   lifecycle.CriticalGate
	sink   *filesink.Sink
	logger *zap.Logger
	base   *colly.Collector

	mu      sync.Mutex
	visited int
	lastURL string
	pending []queueItem
	seen    map[string]bool
}

// New builds a Crawler. The gate marks in-flight fetches so a shutdown
// run waits for them; the sink receives one JSON line per page.
func New(cfg config.CrawlConfig, gate lifecycle.CriticalGate, sink *filesink.Sink, logger *zap.Logger) (*Crawler, error) {
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("start url is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("critical gate is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []colly.CollectorOption{colly.Async(false)}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if len(cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedDomains...))
	}
	base := colly.NewCollector(opts...)
	if cfg.NavTimeoutSec > 0 {
		base.SetRequestTimeout(time.Duration(cfg.NavTimeoutSec) * time.Second)
	}
	return &Crawler{
		cfg:    cfg,
		gate:   gate,
		sink:   sink,
		logger: logger,
		base:   base,
		seen:   map[string]bool{},
	}, nil
}

// Run crawls until the context is canceled, the page budget is spent, or
// the frontier empties. A canceled context is a normal stop, not an error.
func (c *Crawler) Run(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.pending = []queueItem{{URL: c.cfg.StartURL}}
	}
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if c.cfg.MaxPages > 0 && c.pages() >= c.cfg.MaxPages {
			c.logger.Info("page budget spent", zap.Int("pages", c.pages()))
			return nil
		}
		item, ok := c.next()
		if !ok {
			c.logger.Info("crawl frontier empty", zap.Int("pages", c.pages()))
			return nil
		}
		if err := c.crawlOne(ctx, item); err != nil {
			c.logger.Warn("page fetch failed",
				zap.String("url", item.URL),
				zap.Error(err),
			)
		}
		if c.cfg.DelaySeconds > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(c.cfg.DelaySeconds) * time.Second):
			}
		}
	}
}

// crawlOne fetches a single page inside a critical section, records the
// result, and feeds discovered links back into the frontier.
func (c *Crawler) crawlOne(ctx context.Context, item queueItem) error {
	name := "crawl:" + item.URL
	c.gate.EnterCriticalOperation(name)
	defer c.gate.ExitCriticalOperation(name)

	page, links, err := c.fetch(ctx, item.URL)
	if err != nil {
		return err
	}
	line, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encode page record: %w", err)
	}
	if err := c.sink.WriteLine(string(line)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.visited++
	c.lastURL = item.URL
	if item.Depth < c.cfg.MaxDepth {
		for _, link := range links {
			if link == "" || c.seen[link] {
				continue
			}
			c.seen[link] = true
			c.pending = append(c.pending, queueItem{URL: link, Depth: item.Depth + 1})
		}
	}
	return nil
}

type pageRecord struct {
	URL     string    `json:"url"`
	Status  int       `json:"status"`
	Title   string    `json:"title,omitempty"`
	Links   int       `json:"links"`
	Fetched time.Time `json:"fetched_at"`
}

// fetch visits one URL on a fresh collector clone, mirroring how the
// base collector's settings apply without sharing visit state.
func (c *Crawler) fetch(ctx context.Context, url string) (pageRecord, []string, error) {
	collector := c.base.Clone()

	var (
		page  pageRecord
		links []string
	)
	collector.OnResponse(func(r *colly.Response) {
		page = pageRecord{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Fetched: time.Now().UTC(),
		}
	})
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		page.Title = e.Text
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		links = append(links, e.Request.AbsoluteURL(e.Attr("href")))
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return pageRecord{}, nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pageRecord{}, nil, fmt.Errorf("visit %s: %w", url, err)
		}
	}
	page.Links = len(links)
	return page, links, nil
}

func (c *Crawler) next() (queueItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) > 0 {
		item := c.pending[0]
		c.pending = c.pending[1:]
		return item, true
	}
	return queueItem{}, false
}

func (c *Crawler) pages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visited
}

// State snapshots the crawl for checkpointing: progress counters, the
// last finished URL and the remaining frontier.
func (c *Crawler) State() lifecycle.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := make([]any, 0, len(c.pending))
	for _, item := range c.pending {
		pending = append(pending, map[string]any{
			"url":   item.URL,
			"depth": item.Depth,
		})
	}
	return lifecycle.State{
		Application: map[string]any{
			"pages_done": strconv.Itoa(c.visited),
		},
		Scrape: map[string]any{
			"last_url": c.lastURL,
			"pending":  pending,
		},
		Resource: map[string]any{
			"results_lines": strconv.Itoa(c.sink.Lines()),
		},
	}
}

// Resume restores counters and the frontier from a checkpointed state.
// Unknown or malformed entries are skipped; resuming from a partially
// readable checkpoint beats starting over.
func (c *Crawler) Resume(state lifecycle.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := state.Application["pages_done"]; ok {
		c.visited = asInt(raw)
	}
	if raw, ok := state.Scrape["last_url"].(string); ok {
		c.lastURL = raw
	}
	rawPending, ok := state.Scrape["pending"].([]any)
	if !ok {
		return
	}
	c.pending = c.pending[:0]
	for _, raw := range rawPending {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		url, _ := entry["url"].(string)
		if url == "" {
			continue
		}
		item := queueItem{URL: url, Depth: asInt(entry["depth"])}
		c.seen[url] = true
		c.pending = append(c.pending, item)
	}
}

// asInt tolerates the numeric types a JSON round trip produces.
func asInt(raw any) int {
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
