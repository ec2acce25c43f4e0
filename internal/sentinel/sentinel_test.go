package sentinel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testConfig() []any {
	return BuildConfig("Mozilla/5.0 test", Metadata{Scripts: []string{"/a.js"}, DPL: "c/abc123/_"})
}

func TestSolveEasyDifficulty(t *testing.T) {
	answer := Solve("seed-1", "ffffff", testConfig())
	if !answer.Solved {
		t.Fatal("expected a permissive difficulty to be solved")
	}
	if !strings.HasPrefix(answer.Token, "gAAAAAB") {
		t.Fatalf("unexpected token prefix: %q", answer.Token[:8])
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(answer.Token, "gAAAAAB"))
	if err != nil {
		t.Fatalf("token payload is not base64: %v", err)
	}
	var doc []any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("token payload is not a JSON array: %v", err)
	}
	if len(doc) != 18 {
		t.Fatalf("config vector has %d elements, want 18", len(doc))
	}
	nonce, ok := doc[3].(float64)
	if !ok {
		t.Fatalf("element 3 is %T, want number", doc[3])
	}
	if half, ok := doc[9].(float64); !ok || half != float64(int(nonce)/2) {
		t.Fatalf("element 9 = %v, want %v", doc[9], int(nonce)/2)
	}
}

func TestSolveFallbackOnBadDifficulty(t *testing.T) {
	answer := Solve("seed-2", "zz", testConfig())
	if answer.Solved {
		t.Fatal("expected fallback for an undecodable difficulty")
	}
	rest := strings.TrimPrefix(answer.Token, "gAAAAAB")
	if !strings.HasPrefix(rest, fallbackMarker) {
		t.Fatalf("fallback token missing marker: %q", rest[:16])
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(rest, fallbackMarker))
	if err != nil || string(seed) != `"seed-2"` {
		t.Fatalf("fallback payload = %q, err = %v", seed, err)
	}
}

func TestRequirementsToken(t *testing.T) {
	token := RequirementsToken(testConfig())
	if !strings.HasPrefix(token, "gAAAAAC") {
		t.Fatalf("unexpected prefix on requirements token: %q", token[:8])
	}
}

func TestParseTimeFormat(t *testing.T) {
	stamp := parseTime(time.Date(2026, time.March, 5, 4, 30, 5, 0, time.UTC))
	if !strings.HasSuffix(stamp, "GMT-0500 (Eastern Standard Time)") {
		t.Fatalf("unexpected timezone suffix: %q", stamp)
	}
	if !strings.HasPrefix(stamp, "Wed Mar  4 2026 23:30:05") {
		t.Fatalf("unexpected EST timestamp: %q", stamp)
	}
}

type plainFetcher struct{}

func (plainFetcher) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return http.DefaultClient.Do(req)
}

func TestMetadataScrape(t *testing.T) {
	const page = `<html data-build="prod-build-7"><head>` +
		`<script src="https://cdn.example.com/_next/static/c/deadbeef/_ssg.js"></script>` +
		`<img src="/logo.png"></head></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, page)
	}))
	defer srv.Close()

	cache := NewMetadataCache(log.New(io.Discard, "", 0))
	meta := cache.Snapshot(context.Background(), plainFetcher{}, srv.URL, "Mozilla/5.0 test")
	if meta.DPL != "c/deadbeef/_" {
		t.Fatalf("DPL = %q, want %q", meta.DPL, "c/deadbeef/_")
	}
	if len(meta.Scripts) != 2 {
		t.Fatalf("scraped %d src attributes, want 2", len(meta.Scripts))
	}
}

func TestMetadataDataBuildFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html data-build="prod-build-9"><body></body></html>`)
	}))
	defer srv.Close()

	cache := NewMetadataCache(log.New(io.Discard, "", 0))
	meta := cache.Snapshot(context.Background(), plainFetcher{}, srv.URL, "ua")
	if meta.DPL != "prod-build-9" {
		t.Fatalf("DPL = %q, want data-build fallback", meta.DPL)
	}
}

func TestMetadataFailureCached(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		conn, _, _ := w.(http.Hijacker).Hijack()
		conn.Close()
	}))
	defer srv.Close()

	cache := NewMetadataCache(log.New(io.Discard, "", 0))
	cache.Snapshot(context.Background(), plainFetcher{}, srv.URL, "ua")
	cache.Snapshot(context.Background(), plainFetcher{}, srv.URL, "ua")
	if hits != 1 {
		t.Fatalf("scrape retried within TTL after failure: %d hits", hits)
	}
}

func TestTooHard(t *testing.T) {
	if !TooHard("000001", "000032") {
		t.Fatal("harder target should exceed ceiling")
	}
	if TooHard("00003a", "000032") {
		t.Fatal("easier target should pass ceiling")
	}
	if TooHard("000001", "") {
		t.Fatal("empty ceiling disables the check")
	}
}

func TestFallbackAnswer(t *testing.T) {
	answer := Fallback("some-seed")
	if answer.Solved {
		t.Fatal("fallback must report unsolved")
	}
	if !strings.HasPrefix(answer.Token, "gAAAAAB"+fallbackMarker) {
		t.Fatalf("token = %q", answer.Token)
	}
}
