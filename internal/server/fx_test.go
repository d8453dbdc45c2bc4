package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/api"
	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	localstore "github.com/JakeFAU/sitecapture/internal/objectstore/local"
	"github.com/JakeFAU/sitecapture/internal/retrieval"
)

func testConfig(t *testing.T, publicURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, PublicURL: publicURL},
		Auth:   config.AuthConfig{Enabled: true, APIKey: "key-1"},
		Region: "eu-west-1",
		Queue:  config.QueueConfig{Backend: config.QueueMemory, DepthThreshold: 10},
		Storage: config.StorageConfig{
			Backend:       config.StorageLocal,
			LocalDir:      t.TempDir(),
			SigningSecret: "0123456789abcdef",
			CapabilityTTL: 3 * time.Hour,
		},
		Autoscale:   config.AutoscaleConfig{Backend: config.AutoscaleMemory, Max: 2},
		Application: config.ApplicationConfig{ServiceName: "sitecapture-test"},
	}
}

// lateHandler lets the test server start before the app that knows its URL exists.
type lateHandler struct{ h atomic.Value }

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.h.Load().(http.Handler).ServeHTTP(w, r)
}

func TestBuildServesSubmitAndArtifacts(t *testing.T) {
	t.Parallel()

	late := &lateHandler{}
	ts := httptest.NewServer(late)
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	late.h.Store(app.Handler())

	client := api.NewClient(ts.URL, "key-1", ts.Client())
	sub, err := client.Submit(context.Background(), job.Request{
		URL:       "https://example.org",
		Mode:      job.ModeSinglePage,
		IPVersion: job.IPv4,
		UserAgent: "firefox_nt10",
	})
	require.NoError(t, err)
	require.Equal(t, job.ObjectKey(sub.JobID, "eu-west-1"), sub.Capability.Key)
	require.True(t, strings.HasPrefix(sub.Capability.URL, ts.URL+"/v1/artifacts/"))

	resp, err := ts.Client().Get(sub.Capability.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A worker process would upload through a store opened on the same directory.
	store, err := localstore.New(localstore.Config{BaseDir: cfg.Storage.LocalDir})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), sub.Capability.Key, objectstore.ArchiveContentType, bytes.NewReader([]byte("archive")))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), sub.Capability.Key)
	out, err := retrieval.New(retrieval.WithHTTPClient(ts.Client())).Retrieve(context.Background(), sub.Capability.URL, dest)
	require.NoError(t, err)
	require.Equal(t, retrieval.Downloaded, out)
	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "archive", string(body))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, status.Queue.Visible)
	require.Equal(t, 1, status.Pool.Desired)
}

func TestBuildRejectsProcessPoolWithoutSharedState(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://localhost:8080")
	cfg.Autoscale.Backend = config.AutoscaleProcess
	require.Error(t, cfg.Validate())
}

func TestBuildWorkerWiresLocalBucket(t *testing.T) {
	t.Parallel()

	wp, err := BuildWorker(context.Background(), config.WorkerConfig{
		QueueEndpoint: "postgres://capture@127.0.0.1:1/capture?connect_timeout=1",
		StorageBucket: config.LocalBucketScheme + t.TempDir(),
		Region:        "eu-west-1",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(wp.Close)
	require.NotNil(t, wp.Lifecycle)
}

func TestBuildWorkerRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := BuildWorker(context.Background(), config.WorkerConfig{
		QueueEndpoint: "::not a dsn::",
		StorageBucket: config.LocalBucketScheme + t.TempDir(),
		Region:        "eu-west-1",
	}, nil)
	require.ErrorContains(t, err, "queue init failed")
}
