package info

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-client/internal/domain/ota"
)

// newRepositoryServer serves a ref and, optionally, the revision's metadata.
func newRepositoryServer(t *testing.T, revision, document string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/repo/refs/heads/linux/qt", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "ota-client/") {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		_, _ = w.Write([]byte(revision + "\n"))
	})

	if document != "" {
		mux.HandleFunc("/repo/metadata/"+revision+".json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(document))
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

// startHealthServer runs a gRPC health service on a loopback listener.
func startHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()

	lc := net.ListenConfig{}

	lis, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", status)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(grpcServer.Stop)

	return lis.Addr().String()
}

// TestHTTPRemote_FetchRemote downloads the ref and the metadata document.
func TestHTTPRemote_FetchRemote(t *testing.T) {
	t.Parallel()

	server := newRepositoryServer(t, revServer, `{"version":"2.0.0"}`)

	remote, err := NewHTTPRemote(server.URL+"/repo/", "linux/qt")
	require.NoError(t, err)

	revision, document, err := remote.FetchRemote(context.Background())
	require.NoError(t, err)
	require.Equal(t, ota.Revision(revServer), revision)
	require.JSONEq(t, `{"version":"2.0.0"}`, string(document))
}

// TestHTTPRemote_MissingMetadata treats a missing document as absent.
func TestHTTPRemote_MissingMetadata(t *testing.T) {
	t.Parallel()

	server := newRepositoryServer(t, revServer, "")

	remote, err := NewHTTPRemote(server.URL+"/repo", "linux/qt")
	require.NoError(t, err)

	revision, document, err := remote.FetchRemote(context.Background())
	require.NoError(t, err)
	require.Equal(t, ota.Revision(revServer), revision)
	require.Nil(t, document)
}

// TestHTTPRemote_RetriesServerErrors retries 5xx responses until the ref is served.
func TestHTTPRemote_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/refs/heads/linux/qt") {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			_, _ = w.Write([]byte(revServer))

			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	remote, err := NewHTTPRemote(server.URL, "linux/qt", WithRetryWindow(10*time.Second))
	require.NoError(t, err)

	revision, _, err := remote.FetchRemote(context.Background())
	require.NoError(t, err)
	require.Equal(t, ota.Revision(revServer), revision)
	require.Equal(t, int32(3), attempts.Load())
}

// TestHTTPRemote_Failures wraps every failure in ErrNetwork.
func TestHTTPRemote_Failures(t *testing.T) {
	t.Parallel()

	// Unknown ref.
	server := newRepositoryServer(t, revServer, "")

	remote, err := NewHTTPRemote(server.URL, "linux/other", WithRetryWindow(0))
	require.NoError(t, err)

	_, _, err = remote.FetchRemote(context.Background())
	require.ErrorIs(t, err, ota.ErrNetwork)

	// Garbage in the ref file.
	garbage := newRepositoryServer(t, "not-a-checksum", "")

	remote, err = NewHTTPRemote(garbage.URL+"/repo", "linux/qt", WithRetryWindow(0))
	require.NoError(t, err)

	_, _, err = remote.FetchRemote(context.Background())
	require.ErrorIs(t, err, ota.ErrNetwork)

	_, err = NewHTTPRemote("not a url", "linux/qt")
	require.Error(t, err)
}

// TestHTTPRemote_OversizedDocument reports a document over the read limit instead of a parse error.
func TestHTTPRemote_OversizedDocument(t *testing.T) {
	t.Parallel()

	server := newRepositoryServer(t, revServer, strings.Repeat("x", maxDocumentBytes+1))

	remote, err := NewHTTPRemote(server.URL+"/repo", "linux/qt", WithRetryWindow(0))
	require.NoError(t, err)

	_, _, err = remote.FetchRemote(context.Background())
	require.ErrorIs(t, err, ota.ErrDocumentTooLarge)
	require.ErrorIs(t, err, ota.ErrNetwork)
}

// TestHTTPRemote_HealthProbe refuses to fetch while the server reports NOT_SERVING.
func TestHTTPRemote_HealthProbe(t *testing.T) {
	t.Parallel()

	server := newRepositoryServer(t, revServer, `{"version":"2.0.0"}`)

	serving := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)

	remote, err := NewHTTPRemote(server.URL+"/repo", "linux/qt",
		WithHealthAddress(serving), WithCallTimeout(5*time.Second))
	require.NoError(t, err)

	revision, _, err := remote.FetchRemote(context.Background())
	require.NoError(t, err)
	require.Equal(t, ota.Revision(revServer), revision)

	notServing := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)

	remote, err = NewHTTPRemote(server.URL+"/repo", "linux/qt",
		WithHealthAddress(notServing), WithCallTimeout(5*time.Second))
	require.NoError(t, err)

	_, _, err = remote.FetchRemote(context.Background())
	require.ErrorIs(t, err, ota.ErrNetwork)
}
