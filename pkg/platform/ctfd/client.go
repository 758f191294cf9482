// Package ctfd implements platform.Client against the CTFd REST API.
//
// CTFd knows challenges by numeric id. chalsync marks the challenges it
// manages with a tag "chalsync:<id>" and resolves local ids through those
// tags; untagged challenges are never listed, read or modified.
package ctfd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

// TagPrefix marks challenges managed by chalsync.
const TagPrefix = challenge.ManagedTagPrefix

const (
	apiPrefix          = "/api/v1"
	defaultTimeout     = 10 * time.Second
	defaultCacheSize   = 256
	defaultMaxBody     = 32 << 20
	challengeTypeBasic = "standard"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCacheSize sets how many challenge records are cached. Zero disables
// the cache.
func WithCacheSize(n int) Option {
	return func(c *Client) { c.cacheSize = n }
}

// WithMaxResponseSize bounds how many bytes of a response body are read.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to one CTFd instance. It is safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	timeout   time.Duration
	cacheSize int
	maxBody   int64
	logger    *telemetry.Logger

	cache *lru.Cache[int, *platform.RemoteChallenge]

	mu      sync.RWMutex
	ids     map[string]int // local id -> CTFd id
	locals  map[int]string // CTFd id -> local id
	indexed bool
}

var _ platform.Client = (*Client)(nil)

// NewClient creates a client for the instance at baseURL authenticating
// with an admin API token.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid CTFd URL %q", baseURL)
	}
	if token == "" {
		return nil, fmt.Errorf("an API token is required")
	}

	c := &Client{
		baseURL:   u.String(),
		token:     token,
		timeout:   defaultTimeout,
		cacheSize: defaultCacheSize,
		maxBody:   defaultMaxBody,
		ids:       make(map[string]int),
		locals:    make(map[int]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	if c.logger == nil {
		c.logger = telemetry.NewNopLogger()
	}
	c.logger = c.logger.NewComponentLogger("ctfd")

	if c.cacheSize > 0 {
		cache, err := lru.New[int, *platform.RemoteChallenge](c.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// BaseURL returns the instance URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request is one API call.
type request struct {
	op          string
	challengeID string
	method      string
	path        string
	query       url.Values
	body        any
	contentType string
	reader      io.Reader
}

// do sends req and decodes the envelope's data into out, which may be nil.
// Every failure is returned as a *platform.RemoteError.
func (c *Client) do(ctx context.Context, req request, out any) (*meta, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.baseURL + apiPrefix + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	body := req.reader
	contentType := req.contentType
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, platform.NewError(platform.KindRejected, req.op, req.challengeID,
				fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, platform.NewError(platform.KindRejected, req.op, req.challengeID, err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, platform.Classify(req.op, req.challengeID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, platform.Classify(req.op, req.challengeID, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, &platform.RemoteError{Kind: platform.KindServerError, Op: req.op, ChallengeID: req.challengeID,
			StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", c.maxBody)}
	}

	c.logger.WithFields(map[string]interface{}{
		"method":   req.method,
		"path":     req.path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Trace("CTFd request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, platform.FromStatus(req.op, req.challengeID, resp.StatusCode, responseError(data))
	}

	// DELETE answers with an empty body on some CTFd versions.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &platform.RemoteError{Kind: platform.KindServerError, Op: req.op, ChallengeID: req.challengeID,
			StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !env.Success {
		return nil, &platform.RemoteError{Kind: platform.KindRejected, Op: req.op, ChallengeID: req.challengeID,
			StatusCode: resp.StatusCode, Err: responseError(data)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, &platform.RemoteError{Kind: platform.KindServerError, Op: req.op, ChallengeID: req.challengeID,
				StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected data: %w", err)}
		}
	}
	return env.Meta, nil
}

// responseError extracts CTFd's message or errors object, falling back to
// a trimmed body.
func responseError(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil {
		if env.Message != "" {
			return fmt.Errorf("%s", env.Message)
		}
		if len(env.Errors) > 0 && string(env.Errors) != "null" {
			return fmt.Errorf("%s", env.Errors)
		}
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return nil
	}
	return fmt.Errorf("%s", text)
}

// getAll follows pagination for a list endpoint, appending each page's
// items through add.
func getAll[T any](ctx context.Context, c *Client, op, path string, query url.Values, add func([]T)) error {
	page := 1
	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))

		var items []T
		m, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q}, &items)
		if err != nil {
			return err
		}
		add(items)

		if m == nil || m.Pagination == nil || m.Pagination.Next == nil || *m.Pagination.Next <= page {
			return nil
		}
		page = *m.Pagination.Next
	}
}

// index rebuilds the local id mapping from managed tags.
func (c *Client) index(ctx context.Context, op string) error {
	ids := make(map[string]int)
	locals := make(map[int]string)

	err := getAll(ctx, c, op, "/tags", nil, func(tags []tag) {
		for _, t := range tags {
			local, ok := strings.CutPrefix(t.Value, TagPrefix)
			if !ok || local == "" {
				continue
			}
			if prev, dup := ids[local]; dup && prev != t.ChallengeID {
				c.logger.WithFields(map[string]interface{}{
					"challenge_id": local,
					"ctfd_ids":     []int{prev, t.ChallengeID},
				}).Warn("Challenge id is tagged on several CTFd challenges, using the first")
				continue
			}
			ids[local] = t.ChallengeID
			locals[t.ChallengeID] = local
		}
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ids, c.locals, c.indexed = ids, locals, true
	c.mu.Unlock()
	return nil
}

// resolve maps a local id to its CTFd id, indexing tags on first use.
func (c *Client) resolve(ctx context.Context, op, id string) (int, error) {
	c.mu.RLock()
	n, ok := c.ids[id]
	indexed := c.indexed
	c.mu.RUnlock()
	if ok {
		return n, nil
	}

	if !indexed {
		if err := c.index(ctx, op); err != nil {
			return 0, err
		}
		c.mu.RLock()
		n, ok = c.ids[id]
		c.mu.RUnlock()
		if ok {
			return n, nil
		}
	}
	return 0, platform.NewError(platform.KindNotFound, op, id, fmt.Errorf("no CTFd challenge is tagged %s%s", TagPrefix, id))
}

func (c *Client) remember(id string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = n
	c.locals[n] = id
}

func (c *Client) forget(id string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
	delete(c.locals, n)
}

func (c *Client) localID(n int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.locals[n]
	return id, ok
}

func (c *Client) invalidate(n int) {
	if c.cache != nil {
		c.cache.Remove(n)
	}
}
