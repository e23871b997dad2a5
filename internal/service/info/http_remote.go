package info

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/version"
)

const (
	// DefaultRetryWindow bounds the total time spent retrying one HTTP fetch.
	DefaultRetryWindow = 30 * time.Second

	// maxDocumentBytes caps downloaded refs and documents.
	maxDocumentBytes = 1 << 20
)

var (
	errBadHTTPStatus    = errors.New("unexpected http status")
	errNotFound         = errors.New("not found")
	errInvalidRevision  = errors.New("invalid revision in ref file")
	errServerNotServing = errors.New("update server is not serving")

	revisionPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// HTTPRemote fetches server metadata straight from an OSTree repository served over HTTP.
// The revision is read from refs/heads/<ref> and its document from metadata/<revision>.json.
type HTTPRemote struct {
	client        *http.Client
	baseURL       *url.URL
	ref           string
	healthAddress string
	callTimeout   time.Duration
	retryWindow   time.Duration
}

// HTTPOption configures an HTTPRemote.
type HTTPOption func(*HTTPRemote)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPRemote) {
		if client != nil {
			h.client = client
		}
	}
}

// WithHealthAddress probes a gRPC health endpoint before each fetch.
func WithHealthAddress(address string) HTTPOption {
	return func(h *HTTPRemote) {
		h.healthAddress = address
	}
}

// WithCallTimeout bounds each request and the health probe.
func WithCallTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTPRemote) {
		if timeout > 0 {
			h.callTimeout = timeout
		}
	}
}

// WithRetryWindow bounds the total retry time of one fetch; zero disables retries.
func WithRetryWindow(window time.Duration) HTTPOption {
	return func(h *HTTPRemote) {
		h.retryWindow = window
	}
}

// NewHTTPRemote creates a fetcher for ref on the repository at baseURL.
func NewHTTPRemote(baseURL, ref string, opts ...HTTPOption) (*HTTPRemote, error) {
	parsed, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	h := &HTTPRemote{
		client:      http.DefaultClient,
		baseURL:     parsed,
		ref:         ref,
		callTimeout: DefaultRetryWindow,
		retryWindow: DefaultRetryWindow,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// FetchRemote resolves the ref and downloads the revision's document.
// Every failure wraps ota.ErrNetwork.
func (h *HTTPRemote) FetchRemote(ctx context.Context) (ota.Revision, []byte, error) {
	if h.healthAddress != "" {
		if err := h.probe(ctx); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ota.ErrNetwork, err)
		}
	}

	refData, err := h.get(ctx, path.Join("refs", "heads", h.ref))
	if err != nil {
		return "", nil, fmt.Errorf("%w: ref %s: %w", ota.ErrNetwork, h.ref, err)
	}

	revision := strings.TrimSpace(string(refData))
	if !revisionPattern.MatchString(revision) {
		return "", nil, fmt.Errorf("%w: %w: %q", ota.ErrNetwork, errInvalidRevision, revision)
	}

	document, err := h.get(ctx, path.Join("metadata", revision+".json"))

	switch {
	case errors.Is(err, errNotFound):
		logger.DebugKV(ctx, "Server publishes no metadata", "revision", revision)

		return ota.Revision(revision), nil, nil
	case err != nil:
		return ota.Revision(revision), nil, fmt.Errorf("%w: metadata: %w", ota.ErrNetwork, err)
	}

	return ota.Revision(revision), document, nil
}

// probe checks the gRPC health endpoint of the update server.
func (h *HTTPRemote) probe(ctx context.Context) error {
	conn, err := grpc.NewClient(h.healthAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial health endpoint: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	response, err := healthpb.NewHealthClient(conn).Check(callCtx, new(healthpb.HealthCheckRequest))
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errServerNotServing, response.GetStatus())
	}

	return nil
}

// get downloads one file relative to the base URL, retrying transient failures.
func (h *HTTPRemote) get(ctx context.Context, name string) ([]byte, error) {
	target := *h.baseURL

	// Use path.Join to normalize duplicate slashes when composing the URL path.
	target.Path = path.Join(target.Path, name)
	finalURL := target.String()

	var policy backoff.BackOff = &backoff.StopBackOff{}

	if h.retryWindow > 0 {
		exponential := backoff.NewExponentialBackOff()
		exponential.MaxElapsedTime = h.retryWindow
		policy = exponential
	}

	operation := func() ([]byte, error) {
		data, err := h.getOnce(ctx, finalURL)
		if err != nil {
			logger.DebugKV(ctx, "Server request failed", "url", finalURL, "error", err)
		}

		return data, err
	}

	return backoff.RetryWithData(operation, backoff.WithContext(policy, ctx))
}

// getOnce performs a single request. Client errors are permanent, server errors retryable.
func (h *HTTPRemote) getOnce(ctx context.Context, finalURL string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, http.MethodGet, finalURL, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	request.Header.Set("User-Agent", version.UserAgent())

	response, err := h.client.Do(request)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(errNotFound)
	case response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus))
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if len(data) > maxDocumentBytes {
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", finalURL, ota.ErrDocumentTooLarge))
	}

	return data, nil
}
