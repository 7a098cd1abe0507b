package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool"
)

const maxFetchBytes = 2 << 20

// BrowserConfig is the configuration of the HTTP fetcher.
type BrowserConfig struct {
	Client    *http.Client
	UserAgent string
	Logger    log.Logger
}

func (c *BrowserConfig) defaults() error {
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	if c.UserAgent == "" {
		c.UserAgent = "autopilot/1.0"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "local.Browser"})
	return nil
}

// Browser fetches URLs over HTTP. HTML pages are reduced to their readable text.
type Browser struct {
	client    *http.Client
	userAgent string
	logger    log.Logger
}

// NewBrowser returns a HTTP fetcher.
func NewBrowser(cfg BrowserConfig) (*Browser, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Browser{
		client:    cfg.Client,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}, nil
}

var _ tool.Browser = &Browser{}

// Fetch satisfies tool.Browser.
func (b *Browser) Fetch(ctx context.Context, url string) (*tool.FetchResult, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("only http and https urls can be fetched: %w", model.ErrNotValid)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header.Set("User-Agent", b.userAgent)

	b.logger.Debugf("Fetching %s", url)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	body := string(data)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		if text, err := htmlToText(body); err == nil {
			body = text
		}
	}

	res := &tool.FetchResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
	}
	res.Body, res.Truncated = tool.Truncate(body, tool.MaxExcerptBytes)

	return res, nil
}

func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, iframe, svg").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}

	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		for _, line := range strings.Split(s.Text(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	})

	return strings.TrimSpace(b.String()), nil
}
