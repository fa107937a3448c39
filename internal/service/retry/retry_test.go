package retry

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeCache struct {
	ensureCalls int
	evictCalls  int
	err         error
}

func (c *fakeCache) EnsureCached(_ context.Context, d *entity.FileDescriptor) (string, error) {
	c.ensureCalls++
	if c.err != nil {
		return "", c.err
	}

	return "/cache/" + d.SourceID, nil
}

func (c *fakeCache) Evict(_ context.Context, _ *entity.FileDescriptor) error {
	c.evictCalls++

	return nil
}

// fakeDecoder fails the first `fail` calls after emitting `partial` records.
type fakeDecoder struct {
	records int
	fail    int
	partial int
	calls   int
	paths   []string
}

func (d *fakeDecoder) Decode(_ context.Context, path string, _ entity.FilterSpec) (iter.Seq2[*entity.Record, error], error) {
	d.calls++
	d.paths = append(d.paths, path)
	failing := d.calls <= d.fail

	return func(yield func(*entity.Record, error) bool) {
		n := d.records
		if failing {
			n = d.partial
		}

		for i := range n {
			rec := &entity.Record{
				Timestamp: t0.Add(time.Duration(i) * time.Second),
				Prefix:    netip.MustParsePrefix("10.0.0.0/8"),
			}
			if !yield(rec, nil) {
				return
			}
		}

		if failing {
			yield(nil, errors.New("unexpected end of file"))
		}
	}, nil
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)

	return nil
}

func newSupervisor(cache Cache, dec Decoder, sl *recordingSleeper) *supervisor {
	return NewSupervisor(DefaultConfig(), cache, dec, nil, slog.New(slog.NewTextHandler(io.Discard, nil))).WithSleeper(sl.Sleep)
}

func TestDelay(t *testing.T) {
	cfg := DefaultConfig()

	testCases := []struct {
		n        int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, cfg.Delay(tc.n), "n=%d", tc.n)
	}
}

func TestProcess(t *testing.T) {
	d := &entity.FileDescriptor{URL: "https://data.example.net/rrc00/updates.gz", SourceID: "rrc00"}

	testCases := []struct {
		name     string
		fail     int
		success  bool
		records  int
		attempts int
		delays   []time.Duration
	}{
		{name: "immediate success", fail: 0, success: true, records: 5, attempts: 1},
		{name: "succeeds on last attempt", fail: MaxAttempts - 1, success: true, records: 5, attempts: MaxAttempts, delays: []time.Duration{time.Second, 2 * time.Second}},
		{name: "always fails", fail: 100, success: false, records: 0, attempts: MaxAttempts, delays: []time.Duration{time.Second, 2 * time.Second}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cache := &fakeCache{}
			dec := &fakeDecoder{records: 5, fail: tc.fail, partial: 2}
			sl := &recordingSleeper{}

			records, event := newSupervisor(cache, dec, sl).Process(context.Background(), d, entity.FilterSpec{})

			require.Len(t, records, tc.records)
			require.Equal(t, entity.ProgressFileCompleted, event.Kind)
			require.Equal(t, tc.success, event.Success)
			require.Equal(t, tc.records, event.RecordCount)
			require.Equal(t, tc.attempts, event.Attempts)
			require.Equal(t, tc.attempts, dec.calls)
			require.Equal(t, tc.attempts, cache.ensureCalls)
			require.Equal(t, tc.delays, sl.delays)
			require.Equal(t, d.URL, event.URL)
			require.Equal(t, "rrc00", event.SourceID)

			if !tc.success {
				require.NotEmpty(t, event.Err)
			}
		})
	}
}

func TestProcessSameRecordsAfterRetry(t *testing.T) {
	d := &entity.FileDescriptor{URL: "https://h/a.gz", SourceID: "s"}

	direct, _ := newSupervisor(&fakeCache{}, &fakeDecoder{records: 5}, &recordingSleeper{}).Process(context.Background(), d, entity.FilterSpec{})
	retried, _ := newSupervisor(&fakeCache{}, &fakeDecoder{records: 5, fail: 2, partial: 3}, &recordingSleeper{}).Process(context.Background(), d, entity.FilterSpec{})

	require.Equal(t, direct, retried)
}

func TestProcessEvictsBeforeRetry(t *testing.T) {
	cache := &fakeCache{}
	d := &entity.FileDescriptor{URL: "https://h/a.gz", SourceID: "s"}

	_, event := newSupervisor(cache, &fakeDecoder{records: 1, fail: 1}, &recordingSleeper{}).Process(context.Background(), d, entity.FilterSpec{})
	require.True(t, event.Success)
	require.Equal(t, 1, cache.evictCalls)
}

func TestProcessCacheFailure(t *testing.T) {
	cache := &fakeCache{err: errors.New("HTTP 404 from https://h/a.gz")}
	dec := &fakeDecoder{records: 1}
	sl := &recordingSleeper{}
	d := &entity.FileDescriptor{URL: "https://h/a.gz", SourceID: "s"}

	records, event := newSupervisor(cache, dec, sl).Process(context.Background(), d, entity.FilterSpec{})
	require.Empty(t, records)
	require.False(t, event.Success)
	require.Equal(t, MaxAttempts, event.Attempts)
	require.Zero(t, dec.calls)
	require.Contains(t, event.Err, "HTTP 404")
}

func TestProcessWithoutCache(t *testing.T) {
	dec := &fakeDecoder{records: 2}
	d := &entity.FileDescriptor{URL: "https://h/a.gz", SourceID: "s"}

	records, event := newSupervisor(nil, dec, &recordingSleeper{}).Process(context.Background(), d, entity.FilterSpec{})
	require.Len(t, records, 2)
	require.True(t, event.Success)
	require.Equal(t, []string{"https://h/a.gz"}, dec.paths)
}

func TestProcessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := &fakeDecoder{records: 1, fail: 100}
	sl := &recordingSleeper{}
	d := &entity.FileDescriptor{URL: "https://h/a.gz", SourceID: "s"}

	_, event := newSupervisor(&fakeCache{}, dec, sl).Process(ctx, d, entity.FilterSpec{})
	require.False(t, event.Success)
	require.Equal(t, 1, dec.calls)
	require.Empty(t, sl.delays)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleep(context.Background(), time.Millisecond))
}
