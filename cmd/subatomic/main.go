// Command subatomic serves package metadata and its audit trail.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/FyraLabs/subatomic-ng/store/pkgdb"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"SUBATOMIC_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"SUBATOMIC_LOG_FORMAT"`

	DB DBFlags `embed:"" prefix:"db-"`

	Retention           time.Duration `help:"Lifetime of audit entries." default:"5m" env:"SUBATOMIC_RETENTION"`
	EmitEnabledOnCreate bool          `help:"Record package_enabled when a package is created available." env:"SUBATOMIC_EMIT_ENABLED_ON_CREATE"`
	RulesFile           string        `help:"YAML file with additional trigger rules." type:"existingfile" env:"SUBATOMIC_RULES_FILE"`

	Version kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger
}

// DBFlags select the metadata database.
type DBFlags struct {
	Driver string `help:"Metadata database driver." enum:"bolt,sqlite,postgres" default:"bolt" env:"SUBATOMIC_DB_DRIVER"`
	Path   string `help:"Database file for bolt and sqlite." default:"./subatomic.db" env:"SUBATOMIC_DB_PATH"`
	DSN    string `help:"Connection string for postgres." env:"SUBATOMIC_DB_DSN"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the HTTP API."`
	Audit AuditCmd `cmd:"" help:"Inspect the audit log."`
	Rules RulesCmd `cmd:"" help:"Work with trigger rules."`
	GC    GCCmd    `cmd:"" name:"gc" help:"Collect unreferenced artifacts once."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("subatomic"),
		kong.Description("Package repository metadata server."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	err = kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

// newDispatcher builds the trigger dispatcher from the global flags.
func (g *Globals) newDispatcher() (*trigger.Dispatcher, error) {
	d, err := trigger.NewDispatcher(
		trigger.WithRetention(g.Retention),
		trigger.WithOptions(trigger.Options{EmitEnabledOnCreate: g.EmitEnabledOnCreate}),
		trigger.WithLogger(g.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	if g.RulesFile != "" {
		if err := d.LoadFile(g.RulesFile); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// openStore opens the configured metadata store.
func (g *Globals) openStore(ctx context.Context, extra ...pkgdb.Option) (pkgdb.Store, error) {
	d, err := g.newDispatcher()
	if err != nil {
		return nil, err
	}
	opts := append([]pkgdb.Option{
		pkgdb.WithLogger(g.logger),
		pkgdb.WithDispatcher(d),
	}, extra...)

	switch g.DB.Driver {
	case "bolt":
		s, err := pkgdb.NewBoltStore(opts...)
		if err != nil {
			return nil, err
		}
		if err := s.Open(g.DB.Path); err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		return pkgdb.OpenSQL(ctx, "sqlite", g.DB.Path, opts...)
	case "postgres":
		if g.DB.DSN == "" {
			return nil, errors.New("--db-dsn is required for postgres")
		}
		return pkgdb.OpenSQL(ctx, "postgres", g.DB.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", g.DB.Driver)
	}
}

// RedisFlags configure the optional audit event stream.
type RedisFlags struct {
	URL       string `help:"Redis URL for publishing audit events, e.g. redis://localhost:6379/0." env:"SUBATOMIC_REDIS_URL"`
	Stream    string `help:"Stream that receives audit events." default:"subatomic:audit" env:"SUBATOMIC_REDIS_STREAM"`
	StreamMax int64  `help:"Approximate stream length cap, 0 for unbounded." default:"10000" env:"SUBATOMIC_REDIS_STREAM_MAX"`
}

// publisher returns a store option wiring the Redis stream, and a close
// function. Both are no-ops when no URL is configured.
func (f RedisFlags) publisher() ([]pkgdb.Option, func() error, error) {
	if f.URL == "" {
		return nil, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(f.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pub := pkgdb.NewRedisPublisher(client, f.Stream, f.StreamMax)
	return []pkgdb.Option{pkgdb.WithPublisher(pub)}, client.Close, nil
}
