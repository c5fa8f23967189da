// Command lore manages the assistant's long-term knowledge store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dan-solli/lore/pkg/api"
	"github.com/dan-solli/lore/pkg/config"
	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/lore"
	"github.com/dan-solli/lore/pkg/metrics"
	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

const usage = `usage: lore [-config path] <command> [flags]

commands:
  serve           run the HTTP API and the idle session watcher
  retrieve        print the memories for a project directory
  search          full-text search
  put             store a memory
  get             show a memory
  delete          delete a memory
  conflicts       list conflicts (-auto resolves what it can)
  resolve         resolve a conflict
  archive-stale   archive memories unused for a number of days
  session         start|activity|propose|end|recover|discard|watch|list
  stats           show store counts
`

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *lore.Engine
	// collector is set for serve only.
	collector *metrics.PrometheusCollector
}

func main() {
	global := flag.NewFlagSet("lore", flag.ExitOnError)
	configPath := global.String("config", "", "path to lore.yaml")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lore: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, cmd string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a := &app{cfg: cfg, logger: logger}
	opts := []lore.Option{lore.WithLogger(logger)}
	if cmd == "serve" && cfg.Server.Metrics {
		a.collector = metrics.NewCollector()
		opts = append(opts, lore.WithMetrics(a.collector))
	}
	a.engine, err = lore.Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.engine.Close()

	switch cmd {
	case "serve":
		return a.serve(ctx, args)
	case "retrieve":
		return a.retrieve(ctx, args)
	case "search":
		return a.search(ctx, args)
	case "put":
		return a.put(ctx, args)
	case "get":
		return a.get(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	case "conflicts":
		return a.conflicts(ctx, args)
	case "resolve":
		return a.resolve(ctx, args)
	case "archive-stale":
		return a.archiveStale(ctx, args)
	case "session":
		return a.session(ctx, args)
	case "stats":
		st, err := a.engine.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", a.cfg.Server.Addr, "listen address")
	fs.Parse(args)

	var metricsHandler http.Handler
	if a.collector != nil {
		metricsHandler = a.collector.Handler()
	}
	srv := &http.Server{
		Addr:         *addr,
		Handler:      api.NewRouter(a.engine, metricsHandler, a.logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := a.engine.WatchSessions(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("idle watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) retrieve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	dir := fs.String("dir", ".", "project directory")
	task := fs.String("task", "", "task name or type")
	query := fs.String("query", "", "free-text query")
	lang := fs.String("language", "", "override the detected language")
	budget := fs.Int("budget", 0, "token budget (default from config)")
	asJSON := fs.Bool("json", false, "print scored records instead of the Markdown block")
	fs.Parse(args)

	c := a.engine.Context(*dir, *task, *query)
	if *lang != "" {
		c.Language = *lang
	}
	b := a.engine.Budget(*budget)

	if *asJSON {
		res, err := a.engine.Retrieve(ctx, c, b)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	fmt.Print(a.engine.RetrieveText(ctx, c, b))
	return nil
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	filter := fs.String("scope", "", "scope filter, e.g. project:foo* or language:*")
	limit := fs.Int("limit", 20, "maximum results")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("search needs a query")
	}

	f, err := scope.NewFilter(*filter)
	if err != nil {
		return err
	}
	results, err := a.engine.Search(ctx, store.SearchOptions{
		Query: strings.Join(fs.Args(), " "),
		Scope: f,
		Limit: *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(results)
}

func (a *app) put(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	sc := fs.String("scope", "universal", "memory scope")
	category := fs.String("category", string(store.CategoryPreference), "preference, rule, correction or decision")
	confidence := fs.Float64("confidence", 0.8, "confidence in [0,1]")
	priority := fs.Int("priority", 0, "priority")
	id := fs.String("id", "", "update the memory with this id")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("put needs the memory content")
	}

	parsed, err := scope.Parse(*sc)
	if err != nil {
		return err
	}
	m := &store.MemoryRecord{
		ID:         *id,
		Content:    strings.Join(fs.Args(), " "),
		Category:   store.Category(*category),
		Scope:      parsed,
		Confidence: *confidence,
		Priority:   *priority,
	}
	if err := a.engine.Accept(ctx, m); err != nil {
		return err
	}
	return printJSON(m)
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get needs a memory id")
	}
	m, err := a.engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(m)
}

func (a *app) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete needs a memory id")
	}
	return a.engine.Delete(ctx, args[0])
}

func (a *app) conflicts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
	filter := fs.String("scope", "", "scope filter")
	auto := fs.Bool("auto", false, "apply automatic resolutions")
	fs.Parse(args)

	f, err := scope.NewFilter(*filter)
	if err != nil {
		return err
	}
	if *auto {
		report, err := a.engine.AutoResolve(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(report)
	}
	cs, err := a.engine.DetectConflicts(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(cs)
}

func (a *app) resolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	decision := fs.String("decision", "", "keep_a, keep_b, keep_both, merge or delete_both")
	content := fs.String("content", "", "merged content (merge only)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("resolve needs a conflict id")
	}

	d, err := conflict.ParseDecision(*decision, *content)
	if err != nil {
		return err
	}
	out, err := a.engine.Resolve(ctx, fs.Arg(0), d)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func (a *app) archiveStale(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("archive-stale", flag.ExitOnError)
	days := fs.Int("days", a.cfg.Maintenance.StaleAfterDays, "archive memories unused for this many days")
	fs.Parse(args)

	ids, err := a.engine.ArchiveStale(ctx, *days)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"archived": ids})
}
