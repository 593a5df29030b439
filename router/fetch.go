package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultMaxBody caps the size of buffered upstream responses.
const DefaultMaxBody = 32 << 20

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches requests from an upstream origin.
type HTTPFetcher struct {
	client   *http.Client
	upstream *url.URL
	maxBody  int64
}

// NewHTTPFetcher creates a fetcher that resolves request paths against
// upstream.
func NewHTTPFetcher(upstream *url.URL) *HTTPFetcher {
	return &HTTPFetcher{
		client:   http.DefaultClient,
		upstream: upstream,
		maxBody:  DefaultMaxBody,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (f *HTTPFetcher) WithHTTPClient(c *http.Client) *HTTPFetcher {
	f.client = c
	return f
}

// Target returns the upstream URL for req.
func (f *HTTPFetcher) Target(req *Request) *url.URL {
	return f.upstream.ResolveReference(&url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery})
}

// Fetch performs one upstream request and buffers the response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, f.Target(req).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}
	stripHopHeaders(hreq.Header)

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Source: SourceNetwork,
	}, nil
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
