// Package opensearch is a thin HTTP client for the OpenSearch bulk API.
// It supports SigV4 request signing for managed domains and serverless
// collections, basic auth for self-managed clusters, and gzip request
// compression with a downgrade path for proxies that reject it.
package opensearch

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"golang.org/x/time/rate"
)

const (
	serviceOpenSearch = "es"
	serviceServerless = "aoss"

	requestTimeout = 90 * time.Second
)

// Auth configures how requests are authenticated.
type Auth struct {
	// Credentials enables SigV4 signing when non-nil
	Credentials aws.CredentialsProvider
	Region      string
	// Username/Password enables basic auth when Credentials is nil
	Username string
	Password string
}

// Client talks to one OpenSearch endpoint.
type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
	signer     *v4.Signer
	auth       Auth
	service    string
	limiter    *rate.Limiter

	// compression downgrades process-wide after a 403 that a retry without
	// gzip resolves
	compress atomic.Bool
}

// New builds a client for endpoint, e.g. "https://search-xxx.us-east-1.es.amazonaws.com".
// Serverless collections (aoss) are detected from the hostname and signed with
// the aoss service name.
func New(endpoint string, auth Auth, requestsPerSecond float64) (*Client, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	c := &Client{
		endpoint:   u,
		httpClient: &http.Client{Timeout: requestTimeout},
		auth:       auth,
		service:    serviceOpenSearch,
	}
	if strings.Contains(u.Host, ".aoss.") {
		c.service = serviceServerless
	}
	if auth.Credentials != nil {
		c.signer = v4.NewSigner()
	}
	if requestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	c.compress.Store(true)
	return c, nil
}

// Serverless reports whether the endpoint is an OpenSearch Serverless
// collection, which rejects client-supplied document IDs on index actions.
func (c *Client) Serverless() bool { return c.service == serviceServerless }

// UseServerless forces serverless semantics for collections reached through a
// custom domain whose hostname does not carry the aoss marker.
func (c *Client) UseServerless() { c.service = serviceServerless }

// DisableCompression turns off gzip for all subsequent requests from this
// process.
func (c *Client) DisableCompression() { c.compress.Store(false) }

// Compressing reports whether request bodies are currently gzipped.
func (c *Client) Compressing() bool { return c.compress.Load() }

// Bulk posts an NDJSON payload to _bulk and decodes the per-item response.
func (c *Client) Bulk(ctx context.Context, payload []byte) (*BulkResponse, int, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/_bulk", payload)
	if err != nil {
		return nil, status, err
	}
	resp, err := parseBulkResponse(body)
	if err != nil {
		return nil, status, fmt.Errorf("decoding bulk response: %w", err)
	}
	return resp, status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	body := payload
	gzipped := false
	if c.compress.Load() && len(payload) > 0 {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			gzipped = true
		}
	}

	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.ContentLength = int64(len(body))

	if err := c.authenticate(ctx, req, body); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request to %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 && len(respBody) == 0 {
		return resp.StatusCode, nil, fmt.Errorf("status %d from %s with empty body", resp.StatusCode, u.Host)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) authenticate(ctx context.Context, req *http.Request, body []byte) error {
	if c.signer == nil {
		if c.auth.Username != "" {
			cred := c.auth.Username + ":" + c.auth.Password
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
		}
		return nil
	}

	creds, err := c.auth.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	if c.service == serviceServerless {
		// aoss requires the content hash header but signs with UNSIGNED-PAYLOAD
		req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	}
	return c.signer.SignHTTP(ctx, creds, req, payloadHash, c.service, c.auth.Region, time.Now())
}
