package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/metric"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (p *fakeProcessor) Process(_ context.Context, d *entity.FileDescriptor, _ entity.FilterSpec) ([]*entity.Record, entity.ProgressEvent) {
	cur := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.maxSeen.Load()
		if cur <= old || p.maxSeen.CompareAndSwap(old, cur) {
			break
		}
	}

	time.Sleep(p.delay)

	p.mu.Lock()
	p.seen = append(p.seen, d.URL)
	p.mu.Unlock()

	if d.SourceID == "broken" {
		return nil, entity.ProgressEvent{Kind: entity.ProgressFileCompleted, URL: d.URL, SourceID: d.SourceID, Attempts: 3, Err: "boom"}
	}

	records := make([]*entity.Record, int(d.ApproxSizeBytes))
	for i := range records {
		records[i] = &entity.Record{PeerID: uint32(i)}
	}

	return records, entity.ProgressEvent{Kind: entity.ProgressFileCompleted, RecordCount: len(records), Success: true, URL: d.URL, SourceID: d.SourceID, Attempts: 1}
}

func descriptors(n int) []entity.FileDescriptor {
	out := make([]entity.FileDescriptor, n)
	for i := range out {
		out[i] = entity.FileDescriptor{
			URL:             fmt.Sprintf("https://h/%d.gz", i),
			SourceID:        fmt.Sprintf("rrc%02d", i),
			ApproxSizeBytes: int64(i + 1),
		}
	}

	return out
}

func TestRun(t *testing.T) {
	testCases := []struct {
		name        string
		count       int
		concurrency int
	}{
		{name: "single worker", count: 5, concurrency: 1},
		{name: "parallel", count: 8, concurrency: 4},
		{name: "default concurrency", count: 3, concurrency: 0},
		{name: "empty", count: 0, concurrency: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &fakeProcessor{delay: 5 * time.Millisecond}
			d := NewDispatcher(proc, metric.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
			descs := descriptors(tc.count)

			recordsBySource := map[string]int{}
			completed := map[string]bool{}
			for e := range d.Run(context.Background(), descs, entity.FilterSpec{}, tc.concurrency) {
				if e.Progress != nil {
					require.Equal(t, entity.ProgressFileCompleted, e.Progress.Kind)
					require.False(t, completed[e.Progress.SourceID])
					require.Equal(t, recordsBySource[e.Progress.SourceID], e.Progress.RecordCount)
					completed[e.Progress.SourceID] = true

					continue
				}

				require.False(t, completed[e.Record.SourceID], "record after completion")
				recordsBySource[e.Record.SourceID]++
			}

			require.Len(t, completed, tc.count)
			for _, desc := range descs {
				require.Equal(t, int(desc.ApproxSizeBytes), recordsBySource[desc.SourceID])
			}

			if tc.concurrency > 0 {
				require.LessOrEqual(t, int(proc.maxSeen.Load()), tc.concurrency)
			}
		})
	}
}

func TestRunFailedDescriptor(t *testing.T) {
	d := NewDispatcher(&fakeProcessor{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	descs := []entity.FileDescriptor{{URL: "https://h/x.gz", SourceID: "broken"}}

	var events []entity.Event
	for e := range d.Run(context.Background(), descs, entity.FilterSpec{}, 2) {
		events = append(events, e)
	}

	require.Len(t, events, 1)
	require.False(t, events[0].Progress.Success)
	require.Equal(t, 0, events[0].Progress.RecordCount)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	proc := &fakeProcessor{}
	d := NewDispatcher(proc, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	count := 0
	for range d.Run(ctx, descriptors(10), entity.FilterSpec{}, 2) {
		count++
	}

	require.Zero(t, count)
	require.Empty(t, proc.seen)
}
