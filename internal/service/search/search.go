package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/service/aggregate"
)

type Catalog interface {
	Resolve(ctx context.Context, spec entity.FilterSpec, pageSize, maxPages int) ([]entity.FileDescriptor, error)
	ResolvePage(ctx context.Context, spec entity.FilterSpec, page, pageSize int) ([]entity.FileDescriptor, error)
}

type Cache interface {
	Root() string
	ValidateWritable(dir string) error
}

type Dispatcher interface {
	Run(ctx context.Context, descriptors []entity.FileDescriptor, spec entity.FilterSpec, concurrency int) <-chan entity.Event
}

type Aggregator interface {
	Consume(ctx context.Context, events <-chan entity.Event, opts aggregate.Options, sinks []aggregate.Sink) (*entity.RunSummary, error)
}

type HistoryRepository interface {
	Save(ctx context.Context, s *entity.RunSummary) error
}

type Options struct {
	// RunID identifies the run; a new one is generated when empty.
	RunID    string
	PageSize int
	MaxPages int
	// Page > 0 fetches only that catalog page.
	Page        int
	Concurrency int
	DryRun      bool
	Aggregate   aggregate.Options
}

type searchService struct {
	catalog    Catalog
	cache      Cache
	dispatcher Dispatcher
	aggregator Aggregator
	history    HistoryRepository
	log        *slog.Logger
}

// NewSearchService wires the pipeline stages. cache is nil when caching is
// disabled for the run.
func NewSearchService(catalog Catalog, cache Cache, dispatcher Dispatcher, aggregator Aggregator, log *slog.Logger) *searchService {
	return &searchService{
		catalog:    catalog,
		cache:      cache,
		dispatcher: dispatcher,
		aggregator: aggregator,
		log:        log.With(slog.String("item", "SearchService")),
	}
}

func (s *searchService) WithHistory(h HistoryRepository) *searchService {
	s.history = h

	return s
}

/*
Run executes one pipeline run. The sinks are owned by Run and closed on every
path. Setup failures (filter validation, unwritable cache, catalog query) are
returned as errors before any file is processed. Per-file failures only show
up in the summary. A dry run stops after catalog resolution and writes one
line per descriptor to the sinks.
*/
func (s *searchService) Run(ctx context.Context, spec entity.FilterSpec, opts Options, sinks []aggregate.Sink) (*entity.RunSummary, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	started := time.Now()
	log := s.log.With(slog.String("op", "Run"), slog.String("run_id", runID))

	spec, descriptors, err := s.prepare(ctx, spec, opts)
	if err != nil {
		log.Error("Cannot start run", slog.Any("error", err))
		closeSinks(sinks, log)

		return nil, err
	}

	if opts.DryRun {
		summary := &entity.RunSummary{
			RunID:       runID,
			StartedAt:   started,
			DryRun:      true,
			Descriptors: len(descriptors),
		}
		s.listDescriptors(descriptors, sinks, summary, log)
		summary.Duration = time.Since(started)
		s.save(ctx, summary, log)

		return summary, nil
	}

	log.Info("Run started", slog.Int("descriptors", len(descriptors)))

	events := s.dispatcher.Run(ctx, descriptors, spec, opts.Concurrency)

	summary, err := s.aggregator.Consume(ctx, events, opts.Aggregate, sinks)
	summary.RunID = runID
	summary.StartedAt = started
	summary.Descriptors = len(descriptors)
	summary.Duration = time.Since(started)

	if err != nil {
		log.Warn("Run interrupted", slog.Any("error", err))

		return summary, err
	}

	s.save(ctx, summary, log)

	return summary, nil
}

// prepare returns the resolved spec and the descriptors to process.
func (s *searchService) prepare(ctx context.Context, spec entity.FilterSpec, opts Options) (entity.FilterSpec, []entity.FileDescriptor, error) {
	resolved, err := spec.Resolve()
	if err != nil {
		return spec, nil, err
	}

	if s.cache != nil && !opts.DryRun {
		if err := s.cache.ValidateWritable(s.cache.Root()); err != nil {
			return spec, nil, err
		}
	}

	var descriptors []entity.FileDescriptor
	if opts.Page > 0 {
		descriptors, err = s.catalog.ResolvePage(ctx, resolved, opts.Page, opts.PageSize)
	} else {
		descriptors, err = s.catalog.Resolve(ctx, resolved, opts.PageSize, opts.MaxPages)
	}

	return resolved, descriptors, err
}

func (s *searchService) listDescriptors(descriptors []entity.FileDescriptor, sinks []aggregate.Sink, summary *entity.RunSummary, log *slog.Logger) {
	failed := make([]bool, len(sinks))

	for _, d := range descriptors {
		line := strings.Join([]string{
			d.URL,
			d.SourceID,
			string(d.ContentType),
			d.TimeStart.UTC().Format(time.RFC3339),
			d.TimeEnd.UTC().Format(time.RFC3339),
		}, "|")

		for i, sink := range sinks {
			if failed[i] {
				continue
			}

			if err := sink.WriteLine(line); err != nil {
				failed[i] = true
				recordSinkError(summary, sink.Name(), err)
			}
		}
	}

	for i, sink := range sinks {
		if err := sink.Close(); err != nil && !failed[i] {
			recordSinkError(summary, sink.Name(), err)
		}
	}

	if len(summary.SinkErrors) > 0 {
		log.Warn("Sinks failed during dry run", slog.Int("count", len(summary.SinkErrors)))
	}
}

func recordSinkError(summary *entity.RunSummary, name string, err error) {
	if summary.SinkErrors == nil {
		summary.SinkErrors = make(map[string]string)
	}
	summary.SinkErrors[name] = common.SinkError(name, err).Error()
}

func (s *searchService) save(ctx context.Context, summary *entity.RunSummary, log *slog.Logger) {
	if s.history == nil {
		return
	}

	if err := s.history.Save(ctx, summary); err != nil {
		log.Error("Cannot save run history", slog.Any("error", err))
	}
}

func closeSinks(sinks []aggregate.Sink, log *slog.Logger) {
	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cannot close sink %s: %w", sink.Name(), err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.Warn("Cannot close sinks", slog.Any("error", err))
	}
}
