package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent   = "kitsune/0.1 (+https://github.com/kitsune-fed/kitsune)"
	acceptHeader       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json`
	contentTypeHeader  = "application/activity+json"
	ldJSONProfile      = "https://www.w3.org/ns/activitystreams"
	defaultBodyCap     = 1 << 20 // 1 MiB
	defaultTimeout     = 30 * time.Second
	perHostRateLimit   = 5 // requests/sec per remote host, generous enough not to throttle normal fetch/delivery traffic
	perHostBurst       = 10
)

// HTTPDoer is the minimal interface the federation core depends on,
// satisfied by *http.Client; tests substitute a fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the §4.1 HTTP Client: opinionated defaults, redirect-authority
// tracking, body-size cap, and the jsonld helper with its host-spoofing
// defense.
type Client struct {
	http      HTTPDoer
	userAgent string
	bodyCap   int64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewClient builds the default production client: redirects are followed
// (the underlying *http.Client records the final URL on resp.Request.URL),
// gzip decompression is automatic (Transport default), and the
// request-wide timeout applies per attempt.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
		},
		userAgent: defaultUserAgent,
		bodyCap:   defaultBodyCap,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// NewClientWithDeps lets callers substitute the HTTP round-tripper, the
// pattern the teacher uses throughout (functions split into a public
// wrapper plus a *WithDeps variant for testability).
func NewClientWithDeps(doer HTTPDoer, bodyCap int64) *Client {
	if bodyCap <= 0 {
		bodyCap = defaultBodyCap
	}
	return &Client{http: doer, userAgent: defaultUserAgent, bodyCap: bodyCap, limiters: make(map[string]*rate.Limiter)}
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perHostRateLimit), perHostBurst)
		c.limiters[host] = l
	}
	return l
}

// Get issues a GET with the default Accept header.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewBadRequest("building request", err)
	}
	req.Header.Set("Accept", acceptHeader)
	return c.Execute(req)
}

// Execute runs req through the per-host rate limiter and the default
// client, setting the User-Agent if absent.
func (c *Client) Execute(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, NewMissingHost("request has no authority", nil)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	limiter := c.limiterFor(req.URL.Host)
	if err := limiter.Wait(req.Context()); err != nil {
		return nil, NewTransient("rate limiter wait", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewTransient("http request failed", err)
	}
	return resp, nil
}

// ExecuteSigned signs req per §4.2 before executing it.
func (c *Client) ExecuteSigned(req *http.Request, keyID string, privateKeyPEM string, body []byte) (*http.Response, error) {
	if err := SignRequest(req, privateKeyPEM, keyID, body); err != nil {
		return nil, err
	}
	return c.Execute(req)
}

// Bytes reads resp.Body up to the configured cap and closes it.
func (c *Client) Bytes(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	limited := io.LimitReader(resp.Body, c.bodyCap+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, NewTransient("reading response body", err)
	}
	if int64(len(data)) > c.bodyCap {
		return nil, NewBadRequest(fmt.Sprintf("response body exceeds %d bytes", c.bodyCap), nil)
	}
	return data, nil
}

// Stream exposes the raw, cap-limited body reader without buffering it
// fully in memory, for large media fetches.
func (c *Client) Stream(resp *http.Response) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, c.bodyCap), resp.Body}
}

// JSON decodes resp's body as plain JSON (no authority/content-type checks).
func (c *Client) JSON(resp *http.Response, out any) error {
	data, err := c.Bytes(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewBadRequest("decoding JSON body", err)
	}
	return nil
}

// JSONLD fetches url, enforces AP content-type gating, and defends against
// host-spoofing via redirects: the decoded node's @id authority must equal
// the final (possibly redirected) request authority (§4.1, property 3).
func (c *Client) JSONLD(ctx context.Context, rawURL string) (map[string]any, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, NewNotFound("remote object not found", nil)
	}
	if resp.StatusCode >= 500 {
		return nil, NewTransient(fmt.Sprintf("remote server error %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, NewBadRequest(fmt.Sprintf("remote request failed with %d", resp.StatusCode), nil)
	}

	if !IsActivityPubContentType(resp.Header.Get("Content-Type")) {
		return nil, NewBadRequest("response missing AP-compatible content type", nil)
	}

	data, err := c.Bytes(resp)
	if err != nil {
		return nil, err
	}

	var node map[string]any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, NewBadRequest("decoding AS2 document", err)
	}

	finalAuthority := requestAuthority(resp)
	id, _ := node["id"].(string)
	if id == "" {
		return nil, NewBadRequest("AS2 document missing @id", nil)
	}
	idAuthority, err := authorityOf(id)
	if err != nil {
		return nil, NewMissingHost("@id has no authority", err)
	}
	if !strings.EqualFold(idAuthority, finalAuthority) {
		return nil, NewUnauthorised(fmt.Sprintf("authority mismatch: @id=%s final=%s", idAuthority, finalAuthority), nil)
	}

	return node, nil
}

func requestAuthority(resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.Host
	}
	return ""
}

func authorityOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return u.Host, nil
}

// IsActivityPubContentType implements §4.1's content-type gating: accept
// iff essence is application/activity+json, or essence is
// application/ld+json AND the profile param contains the AS2 namespace.
func IsActivityPubContentType(contentType string) bool {
	essence, params := parseMediaType(contentType)
	switch essence {
	case "application/activity+json":
		return true
	case "application/ld+json":
		return strings.Contains(params["profile"], ldJSONProfile)
	default:
		return false
	}
}

func parseMediaType(contentType string) (string, map[string]string) {
	parts := strings.Split(contentType, ";")
	essence := strings.ToLower(strings.TrimSpace(parts[0]))
	params := make(map[string]string)
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return essence, params
}

// Digest computes the Digest header value for body: SHA-256, base64,
// prefixed "SHA-256=" (§4.7, §6).
func Digest(body []byte) string {
	return digestHeader(body)
}
