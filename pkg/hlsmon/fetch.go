package hlsmon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultUserAgent       = "hlsmon/1.0"
	DefaultManifestTimeout = 10 * time.Second
	DefaultSegmentTimeout  = 5 * time.Second
	DefaultMaxRedirects    = 5
)

// FetchOptions control a single request. Zero values fall back to the
// GET method and the manifest defaults.
type FetchOptions struct {
	Method       string
	Timeout      time.Duration
	MaxRedirects int
	Header       map[string]string
}

// FetchResult is the outcome of a completed request. A non-2xx status
// lands here, not in an error, so the alarm evaluator can react to it.
type FetchResult struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string
	Elapsed  time.Duration
}

// ContentLength returns the parsed Content-Length header, or -1 if absent.
func (r *FetchResult) ContentLength() int64 {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// HeaderMap flattens the response headers for event payloads.
func (r *FetchResult) HeaderMap() map[string]string {
	out := make(map[string]string, len(r.Header))
	for k := range r.Header {
		out[k] = r.Header.Get(k)
	}
	return out
}

// Fetcher performs manifest GETs and segment HEAD probes. Shared by all
// sessions, holds no per-session state.
type Fetcher struct {
	transport http.RoundTripper
	userAgent string
	logger    zerolog.Logger
}

func NewFetcher(logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		transport: &http.Transport{},
		userAgent: DefaultUserAgent,
		logger:    logger,
	}
}

// Fetch runs one request with timeout and redirect cap. Transport
// failures come back as *NetworkError; any received response, whatever
// its status, comes back as a FetchResult. HEAD responses carry no body.
func (f *Fetcher) Fetch(ctx context.Context, rawurl string, opt FetchOptions) (*FetchResult, error) {
	method := opt.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultManifestTimeout
	}
	redirects := opt.MaxRedirects
	if redirects <= 0 {
		redirects = DefaultMaxRedirects
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawurl, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawurl, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range opt.Header {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= redirects {
				return fmt.Errorf("stopped after %d redirects", redirects)
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Debug().Err(err).Str("url", rawurl).Msg("Fetch failed")
		return nil, &NetworkError{URL: rawurl, Err: err}
	}
	defer resp.Body.Close()

	var body []byte
	if method != http.MethodHead {
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, &NetworkError{URL: rawurl, Err: err}
		}
	}

	return &FetchResult{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		FinalURL: resp.Request.URL.String(),
		Elapsed:  time.Since(start),
	}, nil
}
