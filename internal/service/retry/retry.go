package retry

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/metric"
)

const (
	MaxAttempts  = 3
	InitialDelay = time.Second
	MaxDelay     = 30 * time.Second
)

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  MaxAttempts,
		InitialDelay: InitialDelay,
		MaxDelay:     MaxDelay,
	}
}

// Delay is the wait after the n-th failed attempt: InitialDelay doubled per
// previous failure, capped at MaxDelay.
func (c Config) Delay(n int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}

	return min(d, c.MaxDelay)
}

type Cache interface {
	EnsureCached(ctx context.Context, d *entity.FileDescriptor) (string, error)
	Evict(ctx context.Context, d *entity.FileDescriptor) error
}

type Decoder interface {
	Decode(ctx context.Context, pathOrURL string, spec entity.FilterSpec) (iter.Seq2[*entity.Record, error], error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()

		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type supervisor struct {
	cfg     Config
	cache   Cache
	decoder Decoder
	sleep   Sleeper
	metrics *metric.Metrics
	log     *slog.Logger
}

// NewSupervisor builds a retry supervisor. A nil cache makes every attempt
// decode straight from the descriptor URL.
func NewSupervisor(cfg Config, cache Cache, decoder Decoder, metrics *metric.Metrics, log *slog.Logger) *supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	return &supervisor{
		cfg:     cfg,
		cache:   cache,
		decoder: decoder,
		sleep:   sleep,
		metrics: metrics,
		log:     log.With(slog.String("item", "RetrySupervisor")),
	}
}

func (s *supervisor) WithSleeper(fn Sleeper) *supervisor {
	s.sleep = fn

	return s
}

/*
Process downloads and decodes one descriptor with bounded retries.
Records of an attempt are returned only when that attempt succeeded in full,
so a retried file never yields duplicates. Failures end in a FileCompleted
event with Success false; no error escapes.
*/
func (s *supervisor) Process(ctx context.Context, d *entity.FileDescriptor, spec entity.FilterSpec) ([]*entity.Record, entity.ProgressEvent) {
	log := s.log.With(slog.String("url", d.URL), slog.String("source_id", d.SourceID))

	var failed *entity.FailedAttempt

	for attempt := 1; ; attempt++ {
		records, err := s.attempt(ctx, d, spec)
		if err == nil {
			if failed != nil {
				log.Info("Succeeded after retry", slog.Int("attempts", attempt))
			}

			return records, s.completed(d, len(records), true, attempt, nil)
		}

		if failed == nil {
			failed = &entity.FailedAttempt{Descriptor: d}
		}
		failed.Record(err)

		log.Warn("Attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt >= s.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}

		if s.cache != nil {
			if err := s.cache.Evict(ctx, d); err != nil {
				log.Error("Cannot evict cached file", slog.Any("error", err))
			}
		}

		s.metrics.Retry()

		if err := s.sleep(ctx, s.cfg.Delay(attempt)); err != nil {
			break
		}
	}

	log.Error("Giving up", slog.Int("attempts", failed.AttemptCount), slog.Any("error", failed.LastError))

	return nil, s.completed(d, 0, false, failed.AttemptCount, failed.LastError)
}

func (s *supervisor) attempt(ctx context.Context, d *entity.FileDescriptor, spec entity.FilterSpec) ([]*entity.Record, error) {
	path := d.URL
	if s.cache != nil {
		p, err := s.cache.EnsureCached(ctx, d)
		if err != nil {
			return nil, common.DecodeError("ensure cached", err)
		}
		path = p
	}

	seq, err := s.decoder.Decode(ctx, path, spec)
	if err != nil {
		return nil, err
	}

	var records []*entity.Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func (s *supervisor) completed(d *entity.FileDescriptor, count int, success bool, attempts int, err error) entity.ProgressEvent {
	e := entity.ProgressEvent{
		Kind:        entity.ProgressFileCompleted,
		Timestamp:   time.Now(),
		RecordCount: count,
		Success:     success,
		URL:         d.URL,
		SourceID:    d.SourceID,
		Attempts:    attempts,
	}

	if err != nil {
		e.Err = err.Error()
	}

	return e
}
