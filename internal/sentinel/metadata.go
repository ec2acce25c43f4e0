package sentinel

import (
	"context"
	"io"
	"log"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/net/html"
)

const metadataTTL = 15 * time.Minute

var dplPattern = regexp.MustCompile(`c/[^/]*/_`)

// Metadata is the scraped landing-page state folded into solve configs:
// the script URLs served to browsers and the deployment label ("dpl").
type Metadata struct {
	Scripts []string
	DPL     string
}

// Fetcher is the slice of the upstream client the scraper needs.
type Fetcher interface {
	Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error)
}

// MetadataCache refreshes the landing-page scrape at most once per TTL
// window. A failed scrape re-arms the window with empty metadata so a flaky
// upstream is not hammered on every request. The fetcher is passed per call
// because each session carries its own proxied client.
type MetadataCache struct {
	logger *log.Logger

	mu        sync.RWMutex
	meta      Metadata
	fetchedAt time.Time
}

func NewMetadataCache(logger *log.Logger) *MetadataCache {
	return &MetadataCache{logger: logger}
}

// Snapshot returns current metadata, refreshing first if the TTL lapsed.
func (c *MetadataCache) Snapshot(ctx context.Context, client Fetcher, host, userAgent string) Metadata {
	c.mu.RLock()
	fresh := time.Since(c.fetchedAt) < metadataTTL
	meta := c.meta
	c.mu.RUnlock()
	if fresh {
		return meta
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetchedAt) < metadataTTL {
		return c.meta
	}
	c.fetchedAt = time.Now()

	meta, err := c.scrape(ctx, client, host, userAgent)
	if err != nil {
		c.logger.Printf("sentinel: metadata scrape failed: %v", err)
		c.meta = Metadata{}
		return c.meta
	}
	c.meta = meta
	return c.meta
}

func (c *MetadataCache) scrape(ctx context.Context, client Fetcher, host, userAgent string) (Metadata, error) {
	resp, err := client.Get(ctx, host+"/", map[string]string{
		"User-Agent": userAgent,
		"Accept":     "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	})
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	var meta Metadata
	dataBuild := ""
	tokenizer := html.NewTokenizer(io.LimitReader(resp.Body, 4<<20))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			meta.DPL = pickDPL(meta.Scripts, dataBuild)
			return meta, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			for _, attr := range token.Attr {
				switch attr.Key {
				case "src":
					if attr.Val != "" {
						meta.Scripts = append(meta.Scripts, attr.Val)
					}
				case "data-build":
					if dataBuild == "" {
						dataBuild = attr.Val
					}
				}
			}
		}
	}
}

// pickDPL extracts the deployment label from the first script URL carrying
// one, falling back to the html tag's data-build attribute.
func pickDPL(scripts []string, dataBuild string) string {
	for _, src := range scripts {
		if m := dplPattern.FindString(src); m != "" {
			return m
		}
	}
	return dataBuild
}
