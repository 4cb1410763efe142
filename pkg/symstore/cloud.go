package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/grafana/remotesym/pkg/signature"
)

// CloudFetcher retrieves symbol files from a remote object store keyed by
// signature.
type CloudFetcher interface {
	// Fetch returns the decompressed content of the object for sig. A missing
	// object is reported with an error for which IsNotFound is true.
	Fetch(ctx context.Context, sig signature.Signature) (io.ReadCloser, error)
}

type CloudClientConfig struct {
	// BaseURL is the prefix objects are fetched from, as <BaseURL>/<signature>.
	BaseURL string

	// HTTPClient is the HTTP client to use for requests.
	// If nil, a default client will be created.
	HTTPClient *http.Client

	BackoffConfig backoff.Config

	UserAgent string

	// NotFoundCacheSize and NotFoundCacheTTL bound how long a miss is
	// remembered. A zero size disables the cache.
	NotFoundCacheSize int
	NotFoundCacheTTL  time.Duration
}

// CloudClient fetches symbol files over plain HTTP GET requests.
type CloudClient struct {
	cfg      CloudClientConfig
	metrics  *metrics
	logger   log.Logger
	notFound *expirable.LRU[signature.Signature, struct{}]
}

func NewCloudClient(logger log.Logger, cfg CloudClientConfig, m *metrics) *CloudClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}
	if m == nil {
		m = newMetrics(nil)
	}
	c := &CloudClient{
		cfg:     cfg,
		metrics: m,
		logger:  log.With(logger, "component", "cloud-symbol-store"),
	}
	if cfg.NotFoundCacheSize > 0 {
		c.notFound = expirable.NewLRU[signature.Signature, struct{}](cfg.NotFoundCacheSize, nil, cfg.NotFoundCacheTTL)
	}
	return c
}

func (c *CloudClient) URL(sig signature.Signature) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + sig.String()
}

// Fetch fetches the symbol file for sig, retrying transient failures.
func (c *CloudClient) Fetch(ctx context.Context, sig signature.Signature) (io.ReadCloser, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		c.metrics.cloudRequestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if _, err := signature.Parse(sig.String()); err != nil {
		status = statusErrorInvalidID
		return nil, invalidSignatureError{signature: sig.String()}
	}
	if c.notFound != nil {
		if _, ok := c.notFound.Get(sig); ok {
			status = statusErrorNotFound
			return nil, notFoundError{signature: sig.String()}
		}
	}

	body, err := c.fetchWithRetries(ctx, sig)
	if err != nil {
		status = categorizeError(err)
		if IsNotFound(err) && c.notFound != nil {
			c.notFound.Add(sig, struct{}{})
		}
		return nil, err
	}
	rc, err := decompress(body)
	if err != nil {
		status = statusErrorOther
		return nil, err
	}
	return rc, nil
}

func (c *CloudClient) fetchWithRetries(ctx context.Context, sig signature.Signature) (io.ReadCloser, error) {
	url := c.URL(sig)
	b := backoff.New(ctx, c.cfg.BackoffConfig)

	var lastErr error
	for b.Ongoing() {
		body, err := c.doRequest(ctx, url)
		if err == nil {
			return body, nil
		}
		if statusCode, ok := isHTTPStatusError(err); ok && statusCode == http.StatusNotFound {
			return nil, notFoundError{signature: sig.String()}
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		level.Debug(c.logger).Log("msg", "retrying cloud request", "url", url, "err", err)
		b.Wait()
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", url, b.NumRetries()+1, lastErr)
}

// doRequest performs a GET and returns the body of a successful response.
func (c *CloudClient) doRequest(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	errorBody := string(data)
	if len(errorBody) == 1024 {
		errorBody += "... [truncated]"
	}
	return nil, httpStatusError{statusCode: resp.StatusCode, body: errorBody}
}

func categorizeError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return statusErrorCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return statusErrorTimeout
	case IsNotFound(err):
		return statusErrorNotFound
	case isInvalidSignatureError(err):
		return statusErrorInvalidID
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		return categorizeHTTPStatusCode(statusCode)
	}
	return statusErrorOther
}

// categorizeHTTPStatusCode maps HTTP status codes to metric status strings.
func categorizeHTTPStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusNotFound:
		return statusErrorNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return statusErrorUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return statusErrorRateLimited
	case statusCode >= 400 && statusCode < 500:
		return statusErrorClientError
	case statusCode >= 500:
		return statusErrorServerError
	default:
		return statusErrorHTTPOther
	}
}
