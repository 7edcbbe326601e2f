package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/config"
	"github.com/vincentbai/vitaltrace/internal/database"
	"github.com/vincentbai/vitaltrace/internal/models"
	"github.com/vincentbai/vitaltrace/internal/ratelimit"
	"github.com/vincentbai/vitaltrace/internal/server"
)

const usage = `usage:
  vitaltrace serve [flags]
  vitaltrace project add --name NAME [--origin ORIGIN]... [--id UUID] [--database PATH]
  vitaltrace project list [--database PATH]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "vitaltrace:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return xerrors.New("missing command")
	}
	switch args[0] {
	case "serve":
		return serve(ctx, args[1:], stderr)
	case "project":
		if len(args) < 2 {
			fmt.Fprint(stderr, usage)
			return xerrors.New("missing project command")
		}
		switch args[1] {
		case "add":
			return projectAdd(ctx, args[2:], stdout)
		case "list":
			return projectList(ctx, args[2:], stdout)
		}
		return xerrors.Errorf("unknown project command %q", args[1])
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return xerrors.Errorf("unknown command %q", args[0])
}

func serve(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	options := server.Options{
		Address:    cfg.Listen,
		Logger:     logger,
		Projects:   db,
		Repository: db,
		TrustProxy: cfg.TrustProxy,
		Registry:   registry,
	}
	if cfg.RateLimit.Requests > 0 {
		options.RateLimiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)
	}
	if !cfg.TrustProxy {
		logger.Info(ctx, "proxy headers not trusted, ip rate limiting is off")
	}

	logger.Info(ctx, "starting vitaltrace",
		slog.F("database", cfg.DBPath),
		slog.F("config", cfg.ConfigPath),
		slog.F("rate_limit", cfg.RateLimit.Requests),
		slog.F("rate_window", cfg.RateLimit.Window),
	)
	return server.NewServer(options).Start(ctx)
}

func newLogger(cfg config.LogConfig, w io.Writer) (slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return slog.Logger{}, err
	}
	var sink slog.Sink
	switch cfg.Format {
	case "json":
		sink = slogjson.Sink(w)
	default:
		sink = sloghuman.Sink(w)
	}
	return slog.Make(sink).Leveled(level), nil
}

// databaseFlag registers --database with the env var or default as fallback.
func databaseFlag(flags *pflag.FlagSet) *string {
	path := os.Getenv("VITALTRACE_DATABASE")
	if path == "" {
		path = config.DefaultConfig().DBPath
	}
	return flags.String("database", path, "SQLite database path")
}

func projectAdd(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("project add", pflag.ContinueOnError)
	dbPath := databaseFlag(flags)
	name := flags.String("name", "", "project name")
	id := flags.String("id", "", "project id (random UUID when empty)")
	origins := flags.StringArray("origin", nil, "allowed origin, repeatable (none allows all)")
	if err := flags.Parse(args); err != nil {
		return xerrors.Errorf("parse flags: %w", err)
	}
	if *name == "" {
		return xerrors.New("--name is required")
	}
	if *id == "" {
		*id = uuid.NewString()
	} else if _, err := uuid.Parse(*id); err != nil {
		return xerrors.Errorf("--id: %w", err)
	}

	db, err := database.NewDatabase(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	project, err := db.CreateProject(ctx, models.Project{ID: strings.ToLower(*id), Name: *name, AllowedOrigins: *origins})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, project.ID)
	return nil
}

func projectList(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("project list", pflag.ContinueOnError)
	dbPath := databaseFlag(flags)
	if err := flags.Parse(args); err != nil {
		return xerrors.Errorf("parse flags: %w", err)
	}

	db, err := database.NewDatabase(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	projects, err := db.ListProjects(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tORIGINS")
	for _, p := range projects {
		origins := strings.Join(p.AllowedOrigins, ",")
		if origins == "" {
			origins = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, origins)
	}
	return tw.Flush()
}
