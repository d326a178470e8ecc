// Package feed talks to the upstream activity API: the REST list endpoint
// for a user's event feed and the REST and GraphQL detail endpoints used for
// enrichment.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPerPage = 100
	maxErrorBody   = 512
)

// Options configures a Client.
type Options struct {
	APIURL     string
	GraphQLURL string
	UserAgent  string
	Timeout    time.Duration // per request, including reading the body
	PerPage    int
	MaxPages   int
	// Limiter is shared by every request the client makes. Nil means no limit.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
}

// Client performs authenticated calls against the upstream API. It is safe
// for concurrent use; the per-subject credential is passed to every call.
type Client struct {
	apiURL     string
	graphqlURL string
	userAgent  string
	timeout    time.Duration
	perPage    int
	maxPages   int
	limiter    *rate.Limiter
	httpClient *http.Client
}

// New creates a Client from opts, filling in defaults for zero values.
func New(opts Options) *Client {
	c := &Client{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		graphqlURL: opts.GraphQLURL,
		userAgent:  opts.UserAgent,
		timeout:    opts.Timeout,
		perPage:    opts.PerPage,
		maxPages:   opts.MaxPages,
		limiter:    opts.Limiter,
		httpClient: opts.HTTPClient,
	}
	if c.apiURL == "" {
		c.apiURL = "https://api.github.com"
	}
	if c.graphqlURL == "" {
		c.graphqlURL = c.apiURL + "/graphql"
	}
	if c.userAgent == "" {
		c.userAgent = "eventpoller"
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.perPage <= 0 || c.perPage > defaultPerPage {
		c.perPage = defaultPerPage
	}
	if c.maxPages <= 0 {
		c.maxPages = 1
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// request describes one upstream call.
type request struct {
	method  string
	url     string
	token   string
	etag    string // sent as If-None-Match when set
	body    any
	accept  string
	timeout time.Duration
}

// response is the part of an upstream reply the callers need.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs one rate-limited, time-bounded request. Transport failures and
// timeouts are returned as errors; every HTTP status is returned to the caller.
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	accept := r.accept
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if r.token != "" {
		req.Header.Set("Authorization", "token "+r.token)
	}
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// apiError builds the error for an unexpected status, noting rate-limit
// exhaustion when the headers report it.
func apiError(resp *response) *APIError {
	e := &APIError{StatusCode: resp.status}

	var errResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.body, &errResp) == nil && errResp.Message != "" {
		e.Message = errResp.Message
	} else {
		msg := string(resp.body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		e.Message = msg
	}

	if (resp.status == http.StatusForbidden || resp.status == http.StatusTooManyRequests) &&
		resp.header.Get("X-RateLimit-Remaining") == "0" {
		e.RateLimitReset = time.Now().Add(time.Minute)
		if sec, err := strconv.ParseInt(resp.header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			e.RateLimitReset = time.Unix(sec, 0)
		}
	}
	return e
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && key == "rel" && strings.Trim(value, `"`) == "next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
