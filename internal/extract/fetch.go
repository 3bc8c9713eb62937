package extract

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-import/internal/resilience"
)

// MaxBodyBytes caps how much of a page or API response is read.
const MaxBodyBytes = 2 << 20

const userAgent = "Mozilla/5.0 (compatible; CatalogImport/1.0; +https://sells-group.com/bot)"

// Fetcher performs polite GETs: one rate limiter per host, a body cap, and
// anti-bot block detection.
type Fetcher struct {
	client *http.Client
	rps    rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a Fetcher allowing rps requests per second per host.
func NewFetcher(client *http.Client, rps float64, burst int) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		}
	}
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 2
	}
	return &Fetcher{client: client, rps: rate.Limit(rps), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.rps, f.burst)
		f.limiters[host] = l
	}
	return l
}

// Page is a fetched document.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrBlocked is returned when a response looks like an anti-bot wall.
var ErrBlocked = eris.New("extract: blocked")

// Get fetches rawURL with accept as the Accept header. Non-2xx statuses
// become errors, transient ones marked for retry.
func (f *Fetcher) Get(ctx context.Context, rawURL, accept string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	if err := f.limiter(strings.ToLower(req.URL.Hostname())).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetch: rate limit wait")
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: do")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: read body")
	}
	if blocked, kind := DetectBlock(resp, body); blocked {
		return nil, eris.Wrapf(ErrBlocked, "%s (%s)", req.URL.Host, kind)
	}
	if err := resilience.CheckStatus(resp.StatusCode, "fetch "+req.URL.Host); err != nil {
		return nil, err
	}
	return &Page{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
