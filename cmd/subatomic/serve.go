package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/backend"
	"github.com/FyraLabs/subatomic-ng/server"
	"github.com/FyraLabs/subatomic-ng/store/artifact"
	"github.com/FyraLabs/subatomic-ng/store/gc"
	"github.com/FyraLabs/subatomic-ng/store/pkgdb"
	"github.com/FyraLabs/subatomic-ng/telemetry"
)

// StorageFlags select where artifacts are kept.
type StorageFlags struct {
	Kind          string `help:"Artifact backend." enum:"fs,s3,gcs" default:"fs" env:"SUBATOMIC_STORAGE"`
	Root          string `help:"Directory for the fs backend." default:"./artifacts" env:"SUBATOMIC_STORAGE_ROOT"`
	S3Bucket      string `help:"S3 bucket." env:"SUBATOMIC_S3_BUCKET"`
	S3Region      string `help:"S3 region." env:"SUBATOMIC_S3_REGION"`
	S3Endpoint    string `help:"S3 compatible endpoint URL." env:"SUBATOMIC_S3_ENDPOINT"`
	S3Prefix      string `help:"Key prefix inside the S3 bucket." env:"SUBATOMIC_S3_PREFIX"`
	S3Anonymous   bool   `help:"Skip request signing." env:"SUBATOMIC_S3_ANONYMOUS"`
	GCSBucket     string `help:"GCS bucket (requires a build with the gcp tag)." env:"SUBATOMIC_GCS_BUCKET"`
	GCSPrefix     string `help:"Key prefix inside the GCS bucket." env:"SUBATOMIC_GCS_PREFIX"`
	NoUpload      bool   `help:"Hash uploads but never store them." env:"SUBATOMIC_NO_UPLOAD"`
	MaxUploadSize int64  `help:"Largest accepted upload in bytes, 0 for unlimited." default:"2147483648" env:"SUBATOMIC_MAX_UPLOAD_SIZE"`
}

func (f StorageFlags) config() backend.Config {
	return backend.Config{
		Kind: f.Kind,
		Root: f.Root,
		S3: backend.S3Config{
			Bucket:    f.S3Bucket,
			Region:    f.S3Region,
			Endpoint:  f.S3Endpoint,
			Prefix:    f.S3Prefix,
			Anonymous: f.S3Anonymous,
		},
		GCS: backend.GCSConfig{Bucket: f.GCSBucket, Prefix: f.GCSPrefix},
	}
}

// openUploader opens the artifact backend.
func (f StorageFlags) openUploader(ctx context.Context, g *Globals) (*artifact.Uploader, error) {
	b, err := backend.Open(ctx, f.config())
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", f.Kind, err)
	}
	return artifact.NewUploader(b, artifact.Config{
		NoUpload: f.NoUpload,
		MaxSize:  f.MaxUploadSize,
	}, artifact.WithLogger(g.logger)), nil
}

// ServeCmd runs the HTTP API with the audit reaper and artifact GC.
type ServeCmd struct {
	Address      string        `help:"Address to listen on." default:":8080" env:"SUBATOMIC_ADDRESS"`
	MaxConns     int           `help:"Maximum concurrent connections, 0 for unlimited." env:"SUBATOMIC_MAX_CONNS"`
	RateLimit    float64       `help:"Requests per second allowed per client, 0 to disable." env:"SUBATOMIC_RATE_LIMIT"`
	RateBurst    int           `help:"Burst size for the per client rate limit." env:"SUBATOMIC_RATE_BURST"`
	AuthToken    string        `help:"Static bearer token for API access." env:"SUBATOMIC_AUTH_TOKEN"`
	JWTSecret    string        `name:"jwt-secret" help:"Secret for HS256 bearer tokens." env:"SUBATOMIC_JWT_SECRET"`
	PublicReads  bool          `help:"Allow unauthenticated GET requests." env:"SUBATOMIC_PUBLIC_READS"`
	ReapInterval time.Duration `help:"How often expired audit entries are swept, 0 to only sweep on append." default:"1m" env:"SUBATOMIC_REAP_INTERVAL"`

	GCInterval time.Duration `name:"gc-interval" help:"How often unreferenced artifacts are collected, 0 to disable." default:"1h" env:"SUBATOMIC_GC_INTERVAL"`
	GCDryRun   bool          `name:"gc-dry-run" help:"Report unreferenced artifacts without deleting them." env:"SUBATOMIC_GC_DRY_RUN"`

	Storage StorageFlags `embed:"" prefix:"storage-"`
	Redis   RedisFlags   `embed:"" prefix:"redis-"`

	MetricsOTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics and traces." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus          bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"SUBATOMIC_PROMETHEUS"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "subatomic",
		ServiceVersion:   version,
		OTLPEndpoint:     c.MetricsOTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "subatomic",
		ServiceVersion: version,
		OTLPEndpoint:   c.MetricsOTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pubOpts, closeRedis, err := c.Redis.publisher()
	if err != nil {
		return err
	}
	defer func() { _ = closeRedis() }()

	store, err := g.openStore(ctx, pubOpts...)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = store.Close() }()

	uploader, err := c.Storage.openUploader(ctx, g)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithUploader(uploader)}
	if c.ReapInterval > 0 {
		reaper := pkgdb.NewReaper(store,
			pkgdb.WithReaperInterval(c.ReapInterval),
			pkgdb.WithReaperLogger(logger),
		)
		opts = append(opts, server.WithWorker("audit-reaper", reaper.Run))
	}
	if c.GCInterval > 0 && !c.Storage.NoUpload {
		collector := gc.New(uploader, storeReferences(store), gc.Config{
			Interval: c.GCInterval,
			// The first run only marks candidates.
			StartupDelay: time.Minute,
			DryRun:       c.GCDryRun,
		}, gc.WithLogger(logger), gc.WithMetrics(otel.GetMeterProvider().Meter("github.com/FyraLabs/subatomic-ng/store/gc")))
		opts = append(opts, server.WithWorker("artifact-gc", gcWorker(collector)))
	}

	srv, err := server.New(server.Config{
		Address:       c.Address,
		MaxConns:      c.MaxConns,
		RateLimit:     c.RateLimit,
		RateBurst:     c.RateBurst,
		AuthToken:     c.AuthToken,
		JWTSecret:     c.JWTSecret,
		PublicReads:   c.PublicReads,
		MaxUploadSize: c.Storage.MaxUploadSize,
		Logger:        logger,
	}, store, opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"db", g.DB.Driver,
		"storage", c.Storage.Kind,
		"retention", g.Retention,
		"no_upload", c.Storage.NoUpload,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// storeReferences reports an artifact as referenced while any package
// record points at it.
func storeReferences(store pkgdb.Store) gc.References {
	return gc.ReferencesFunc(func(ctx context.Context, key subatomic.ObjectKey) (bool, error) {
		pkgs, err := store.List(ctx, pkgdb.Filter{ObjectKey: key, Limit: 1})
		if err != nil {
			return false, err
		}
		return len(pkgs) > 0, nil
	})
}

func gcWorker(m *gc.Manager) server.Worker {
	return func(ctx context.Context) {
		m.Start(ctx)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.Stop(stopCtx)
	}
}
