package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/redis/go-redis/v9"
)

const (
	KeyRun           = "rn" // HASH. rn:{run_id} field: value of the summary counters.
	KeyRunFailures   = "rf" // HASH. rf:{run_id} url: json(FailedFile).
	KeyRunSinkErrors = "rs" // HASH. rs:{run_id} sink: error.
	KeyRunIndex      = "ri" // ZSET. run_id scored by start time in ms.

	KeySeparator = ":"

	fieldStartedAt   = "started_at"
	fieldDryRun      = "dry_run"
	fieldDescriptors = "descriptors"
	fieldAttempted   = "attempted"
	fieldSucceeded   = "succeeded"
	fieldFailed      = "failed"
	fieldRecords     = "records"
	fieldDuration    = "duration_ms"
)

type historyRepository struct {
	cl   *redis.Client
	size int
	log  *slog.Logger
}

// NewHistoryRepository keeps at most size runs; size <= 0 keeps everything.
func NewHistoryRepository(cl *redis.Client, size int, log *slog.Logger) *historyRepository {
	return &historyRepository{
		cl:   cl,
		size: size,
		log:  log.With(slog.String("item", "HistoryRepository")),
	}
}

func (r *historyRepository) Save(ctx context.Context, s *entity.RunSummary) error {
	log := r.log.With(slog.String("op", "Save"), slog.String("run_id", s.RunID))

	pipe := r.cl.TxPipeline()
	pipe.HSet(ctx, getKey(KeyRun, s.RunID),
		fieldStartedAt, s.StartedAt.UTC().Format(time.RFC3339Nano),
		fieldDryRun, strconv.FormatBool(s.DryRun),
		fieldDescriptors, s.Descriptors,
		fieldAttempted, s.Attempted,
		fieldSucceeded, s.Succeeded,
		fieldFailed, s.Failed,
		fieldRecords, s.Records,
		fieldDuration, s.Duration.Milliseconds(),
	)

	for _, f := range s.Failures {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("cannot marshal failure: %w", err)
		}
		pipe.HSet(ctx, getKey(KeyRunFailures, s.RunID), f.URL, data)
	}

	for sink, msg := range s.SinkErrors {
		pipe.HSet(ctx, getKey(KeyRunSinkErrors, s.RunID), sink, msg)
	}

	pipe.ZAdd(ctx, KeyRunIndex, redis.Z{Score: float64(s.StartedAt.UnixMilli()), Member: s.RunID})

	if _, err := pipe.Exec(ctx); err != nil {
		log.Error("Cannot save run", slog.Any("error", err))

		return fmt.Errorf("cannot save run: %w", err)
	}

	if err := r.trim(ctx); err != nil {
		log.Error("Cannot trim history", slog.Any("error", err))

		return fmt.Errorf("cannot trim history: %w", err)
	}

	return nil
}

func (r *historyRepository) trim(ctx context.Context) error {
	if r.size <= 0 {
		return nil
	}

	old, err := r.cl.ZRange(ctx, KeyRunIndex, 0, int64(-r.size-1)).Result()
	if err != nil {
		return fmt.Errorf("cannot read run index: %w", err)
	}

	if len(old) == 0 {
		return nil
	}

	pipe := r.cl.Pipeline()
	for _, id := range old {
		pipe.Del(ctx, getKey(KeyRun, id), getKey(KeyRunFailures, id), getKey(KeyRunSinkErrors, id))
		pipe.ZRem(ctx, KeyRunIndex, id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cannot delete old runs: %w", err)
	}

	r.log.Debug("Trimmed history", slog.Int("deleted", len(old)))

	return nil
}

func (r *historyRepository) Get(ctx context.Context, id string) (*entity.RunSummary, error) {
	fields, err := r.cl.HGetAll(ctx, getKey(KeyRun, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get run: %w", err)
	}

	if len(fields) == 0 {
		return nil, common.ErrRunNotFoundError
	}

	s, err := parseSummary(id, fields)
	if err != nil {
		return nil, err
	}

	failures, err := r.cl.HGetAll(ctx, getKey(KeyRunFailures, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get run failures: %w", err)
	}

	for _, data := range failures {
		var f entity.FailedFile
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("cannot parse failure: %w", err)
		}
		s.Failures = append(s.Failures, f)
	}

	sinkErrors, err := r.cl.HGetAll(ctx, getKey(KeyRunSinkErrors, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get sink errors: %w", err)
	}

	if len(sinkErrors) > 0 {
		s.SinkErrors = sinkErrors
	}

	return s, nil
}

// List returns up to n runs, newest first.
func (r *historyRepository) List(ctx context.Context, n int) ([]*entity.RunSummary, error) {
	if n <= 0 {
		return []*entity.RunSummary{}, nil
	}

	ids, err := r.cl.ZRevRange(ctx, KeyRunIndex, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read run index: %w", err)
	}

	runs := make([]*entity.RunSummary, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, s)
	}

	return runs, nil
}

func parseSummary(id string, fields map[string]string) (*entity.RunSummary, error) {
	s := &entity.RunSummary{RunID: id}

	startedAt, err := time.Parse(time.RFC3339Nano, fields[fieldStartedAt])
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", fieldStartedAt, err)
	}
	s.StartedAt = startedAt

	s.DryRun, err = strconv.ParseBool(fields[fieldDryRun])
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", fieldDryRun, err)
	}

	ints := map[string]*int{
		fieldDescriptors: &s.Descriptors,
		fieldAttempted:   &s.Attempted,
		fieldSucceeded:   &s.Succeeded,
		fieldFailed:      &s.Failed,
		fieldRecords:     &s.Records,
	}
	for name, dst := range ints {
		n, err := strconv.Atoi(fields[name])
		if err != nil {
			return nil, fmt.Errorf("cannot parse %s: %w", name, err)
		}
		*dst = n
	}

	ms, err := strconv.ParseInt(fields[fieldDuration], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", fieldDuration, err)
	}
	s.Duration = time.Duration(ms) * time.Millisecond

	return s, nil
}

func getKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}
