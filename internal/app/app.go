package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/dumpsearch/internal/adapter/broker"
	"github.com/jgivc/dumpsearch/internal/adapter/cborstream"
	"github.com/jgivc/dumpsearch/internal/adapter/fetch"
	"github.com/jgivc/dumpsearch/internal/adapter/report"
	"github.com/jgivc/dumpsearch/internal/adapter/sink"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/config"
	"github.com/jgivc/dumpsearch/internal/entity"
	httphandler "github.com/jgivc/dumpsearch/internal/handler/http"
	"github.com/jgivc/dumpsearch/internal/metric"
	"github.com/jgivc/dumpsearch/internal/repository/history"
	"github.com/jgivc/dumpsearch/internal/repository/lock"
	"github.com/jgivc/dumpsearch/internal/service/aggregate"
	"github.com/jgivc/dumpsearch/internal/service/catalog"
	"github.com/jgivc/dumpsearch/internal/service/decode"
	"github.com/jgivc/dumpsearch/internal/service/dispatch"
	"github.com/jgivc/dumpsearch/internal/service/retry"
	"github.com/jgivc/dumpsearch/internal/service/search"
	"github.com/jgivc/dumpsearch/internal/storage/cache"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

const (
	pingTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

var ErrRedisRequired = errors.New("redis url is required")

// SearchParams holds the per-run overrides given on the command line. Zero
// values fall back to the configuration.
type SearchParams struct {
	Spec entity.FilterSpec

	DryRun   bool
	NoCache  bool
	CacheDir string

	Format  string
	Fields  string
	OrderBy string
	Order   string

	OutBin string
	OutDB  string
	Report string

	Concurrency int
	Page        int
	PageSize    int
	MaxPages    int

	MetricsAddr string

	// Stdout receives text output; os.Stdout when nil.
	Stdout io.Writer
}

type App struct {
	cfg     *config.Config
	rdb     *redis.Client
	metrics *metric.Metrics
	log     *slog.Logger
}

// New loads the configuration, builds the logger and connects to Redis when
// configured.
func New(ctx context.Context, cfgPath string, logOut io.Writer) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, err := NewLogger(cfg.LogLevel, logOut)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		metrics: metric.New(),
		log:     log,
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("cannot parse redis url: %w", err)
		}

		rdb := redis.NewClient(opt)

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		if _, err := rdb.Ping(pctx).Result(); err != nil {
			rdb.Close()

			return nil, fmt.Errorf("cannot connect to redis: %w", err)
		}

		a.rdb = rdb
	}

	return a, nil
}

func NewLogger(level string, out io.Writer) (*slog.Logger, error) {
	lo := &slog.HandlerOptions{}
	switch level {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return slog.New(slog.NewTextHandler(out, lo)), nil
}

func (a *App) Config() *config.Config {
	return a.cfg
}

func (a *App) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
}

// Search runs the pipeline once. The returned error is set only for setup
// failures and cancellation; failed descriptors are reported in the summary.
func (a *App) Search(ctx context.Context, p SearchParams) (*entity.RunSummary, error) {
	log := a.log

	if p.MetricsAddr != "" {
		stop := a.serveMetrics(p.MetricsAddr)
		defer stop()
	}

	aggOpts, err := aggregate.ParseOrder(valueOr(p.OrderBy, a.cfg.Pipeline.OrderBy), valueOr(p.Order, a.cfg.Pipeline.Order))
	if err != nil {
		return nil, err
	}

	fetcher := fetch.NewFetcher(a.cfg.Download.Timeout, log)

	var (
		retryCache retry.Cache
		runCache   search.Cache
	)
	if a.cfg.Cache.Enabled && !p.NoCache {
		cm := cache.NewCacheManager(valueOr(p.CacheDir, a.cfg.Cache.Dir), fetcher, log).WithMetrics(a.metrics)
		if a.rdb != nil {
			cm.WithLocker(lock.NewLockRepository(a.rdb, a.cfg.Redis.LockTTL, log))
		}
		retryCache, runCache = cm, cm
	}

	decoder := decode.NewDecodeService(fetcher, cborstream.NewDecoder(), log)
	supervisor := retry.NewSupervisor(retry.Config{
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		InitialDelay: a.cfg.Retry.InitialDelay,
		MaxDelay:     a.cfg.Retry.MaxDelay,
	}, retryCache, decoder, a.metrics, log)

	catalogSrv := catalog.NewCatalogService(
		broker.NewClient(a.cfg.Catalog.URL, a.cfg.Catalog.Timeout, log),
		func(e entity.ProgressEvent) {
			log.Info("Catalog page", slog.Int("page", e.Page))
		},
		a.metrics, log)

	searchSrv := search.NewSearchService(catalogSrv, runCache, dispatch.NewDispatcher(supervisor, a.metrics, log),
		aggregate.NewAggregator(log), log)

	if a.rdb != nil {
		searchSrv.WithHistory(history.NewHistoryRepository(a.rdb, a.cfg.Redis.HistorySize, log))
	}

	runID := uuid.NewString()

	sinks, header, err := a.openSinks(ctx, runID, p)
	if err != nil {
		return nil, err
	}

	if !p.DryRun {
		aggOpts.Header = header
	}
	aggOpts.Progress = func(e entity.ProgressEvent) {
		if e.Success {
			log.Info("File completed", slog.String("url", e.URL), slog.Int("records", e.RecordCount), slog.Int("attempts", e.Attempts))

			return
		}
		log.Warn("File failed", slog.String("url", e.URL), slog.Int("attempts", e.Attempts), slog.String("error", e.Err))
	}

	summary, err := searchSrv.Run(ctx, p.Spec, search.Options{
		RunID:       runID,
		PageSize:    intOr(p.PageSize, a.cfg.Catalog.PageSize),
		MaxPages:    intOr(p.MaxPages, a.cfg.Catalog.MaxPages),
		Page:        p.Page,
		Concurrency: intOr(p.Concurrency, a.cfg.Pipeline.Concurrency),
		DryRun:      p.DryRun,
		Aggregate:   aggOpts,
	}, sinks)
	if err != nil {
		return summary, err
	}

	if p.Report != "" {
		if err := a.writeReport(p.Report, summary); err != nil {
			log.Error("Cannot write report", slog.String("path", p.Report), slog.Any("error", err))
		}
	}

	return summary, nil
}

// openSinks returns the sinks for a run and the text header line.
func (a *App) openSinks(ctx context.Context, runID string, p SearchParams) ([]aggregate.Sink, string, error) {
	fields, err := sink.ParseFields(p.Fields)
	if err != nil {
		return nil, "", err
	}

	stdout := p.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	// stdout must survive the sink.
	text, err := sink.NewText("stdout", struct{ io.Writer }{stdout}, p.Format, fields)
	if err != nil {
		return nil, "", common.ValidationError("format", err)
	}

	sinks := []aggregate.Sink{text}

	if p.OutBin != "" {
		b, err := sink.NewBinary(p.OutBin)
		if err != nil {
			closeAll(sinks)

			return nil, "", common.SinkError("binary:"+p.OutBin, err)
		}
		sinks = append(sinks, b)
	}

	if p.OutDB != "" {
		r, err := sink.NewRelational(ctx, p.OutDB, runID, 0)
		if err != nil {
			closeAll(sinks)

			return nil, "", common.SinkError("relational", err)
		}
		sinks = append(sinks, r)
	}

	return sinks, text.Header(), nil
}

func closeAll(sinks []aggregate.Sink) {
	for _, s := range sinks {
		s.Close()
	}
}

func (a *App) writeReport(path string, s *entity.RunSummary) error {
	ra, err := report.NewReportAdapter(afero.NewOsFs(), "")
	if err != nil {
		return err
	}

	return ra.Write(path, s)
}

func (a *App) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		a.log.Info("Start metrics listener", slog.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Could not serve metrics", slog.String("listen_addr", addr), slog.Any("error", err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(ctx)
	}
}

// Handler returns the status server routes.
func (a *App) Handler() (http.Handler, error) {
	if a.rdb == nil {
		return nil, ErrRedisRequired
	}

	runs := history.NewHistoryRepository(a.rdb, a.cfg.Redis.HistorySize, a.log)

	ra, err := report.NewReportAdapter(afero.NewOsFs(), "")
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /runs/{$}", httphandler.NewRunListHandler(runs, a.log))
	mux.Handle("GET /runs/{id}/{$}", httphandler.NewRunHandler(runs, a.log))
	mux.Handle("GET /runs/{id}/report/{$}", httphandler.NewReportHandler(runs, ra, a.log))
	mux.Handle("GET /metrics", a.metrics.Handler())

	return mux, nil
}

// Serve runs the status server on listen (the configured address when empty)
// until ctx is done.
func (a *App) Serve(ctx context.Context, listen string) error {
	h, err := a.Handler()
	if err != nil {
		return err
	}

	addr := valueOr(listen, a.cfg.Listen)
	srv := &http.Server{Addr: addr, Handler: h}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Start listen", slog.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.log.Error("Could not serve", slog.String("listen_addr", addr), slog.Any("error", err))

			return fmt.Errorf("cannot serve on %s: %w", addr, err)
		}

		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(sctx)
}

func valueOr(v, def string) string {
	if v != "" {
		return v
	}

	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}

	return def
}
