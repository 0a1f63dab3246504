package extract

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"
)

// Page is one fetched and cleaned web document.
type Page struct {
	URL   string
	Title string
	Text  string
}

// CrawlerConfig bounds fetch behavior.
type CrawlerConfig struct {
	Parallelism int
	Delay       time.Duration
	Timeout     time.Duration
}

// Crawler fetches a fixed list of URLs and extracts their readable main
// content. Failures are per-URL: a page that cannot be fetched or parsed is
// logged and dropped, the rest of the batch continues.
type Crawler struct {
	cfg     CrawlerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCrawler creates a crawler. Delay paces request starts; Parallelism
// caps concurrent fetches per host.
func NewCrawler(cfg CrawlerConfig, logger *slog.Logger) *Crawler {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Crawler{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Delay), 1),
		logger:  logger,
	}
}

// Fetch retrieves the given URLs and returns the pages that yielded
// non-empty readable content. Respects ctx cancellation between requests.
func (c *Crawler) Fetch(ctx context.Context, urls []string) []Page {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.MaxDepth(1),
	)
	collector.SetRequestTimeout(c.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
	}); err != nil {
		c.logger.Warn("setting crawl limit", "error", err)
	}

	var mu sync.Mutex
	var pages []Page

	collector.OnResponse(func(r *colly.Response) {
		article, err := readability.FromReader(bytes.NewReader(r.Body), r.Request.URL)
		if err != nil {
			c.logger.Warn("skipping page, readability extraction failed",
				"url", r.Request.URL.String(), "error", err)
			return
		}
		if article.TextContent == "" {
			c.logger.Debug("skipping page with no readable content",
				"url", r.Request.URL.String())
			return
		}
		mu.Lock()
		pages = append(pages, Page{
			URL:   r.Request.URL.String(),
			Title: article.Title,
			Text:  article.TextContent,
		})
		mu.Unlock()
	})
	collector.OnError(func(r *colly.Response, err error) {
		c.logger.Warn("skipping page, fetch failed",
			"url", r.Request.URL.String(), "error", err)
	})

	for _, u := range urls {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("crawl canceled", "error", err)
			break
		}
		if err := collector.Visit(u); err != nil {
			c.logger.Warn("skipping URL, visit rejected", "url", u, "error", err)
		}
	}
	collector.Wait()

	c.logger.Info("crawl finished", "requested", len(urls), "fetched", len(pages))
	return pages
}
