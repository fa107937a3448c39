package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeBroker struct {
	pages [][]entity.FileDescriptor
	calls []int
	err   error
}

func (b *fakeBroker) Search(_ context.Context, _ entity.FilterSpec, page, _ int) ([]entity.FileDescriptor, error) {
	b.calls = append(b.calls, page)
	if b.err != nil {
		return nil, b.err
	}

	if page > len(b.pages) {
		return nil, nil
	}

	return b.pages[page-1], nil
}

func desc(n int, from, to time.Duration) entity.FileDescriptor {
	return entity.FileDescriptor{
		URL:       fmt.Sprintf("https://data.example.net/rrc00/updates.%d.gz", n),
		SourceID:  "rrc00",
		TimeStart: t0.Add(from),
		TimeEnd:   t0.Add(to),
	}
}

func newService(b Broker, events *[]entity.ProgressEvent) *catalogService {
	progress := func(e entity.ProgressEvent) { *events = append(*events, e) }

	return NewCatalogService(b, progress, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolve(t *testing.T) {
	spec := entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)}

	testCases := []struct {
		name     string
		pages    [][]entity.FileDescriptor
		pageSize int
		maxPages int
		expected []string
		calls    []int
	}{
		{
			name: "stops on empty page",
			pages: [][]entity.FileDescriptor{
				{desc(1, 0, 15*time.Minute), desc(2, 15*time.Minute, 30*time.Minute)},
				{desc(3, 30*time.Minute, 45*time.Minute)},
			},
			pageSize: 2,
			maxPages: 10,
			expected: []string{"1", "2", "3"},
			calls:    []int{1, 2, 3},
		},
		{
			name: "drops outside window",
			pages: [][]entity.FileDescriptor{
				{desc(1, -30*time.Minute, -15*time.Minute), desc(2, -15*time.Minute, 0), desc(3, 50*time.Minute, 65*time.Minute)},
				{desc(4, 2*time.Hour, 3*time.Hour), desc(5, 30*time.Minute, 30*time.Minute)},
			},
			pageSize: 3,
			maxPages: 10,
			expected: []string{"3", "5"},
			calls:    []int{1, 2, 3},
		},
		{
			name: "filtered page does not end paging",
			pages: [][]entity.FileDescriptor{
				{desc(1, -2*time.Hour, -time.Hour)},
				{desc(2, 0, time.Minute)},
			},
			pageSize: 1,
			maxPages: 10,
			expected: []string{"2"},
			calls:    []int{1, 2, 3},
		},
		{
			name: "max pages",
			pages: [][]entity.FileDescriptor{
				{desc(1, 0, time.Minute)},
				{desc(2, 0, time.Minute)},
				{desc(3, 0, time.Minute)},
			},
			pageSize: 1,
			maxPages: 2,
			expected: []string{"1", "2"},
			calls:    []int{1, 2},
		},
		{
			name: "capped at page size times max pages",
			pages: [][]entity.FileDescriptor{
				{desc(1, 0, time.Minute), desc(2, 0, time.Minute), desc(3, 0, time.Minute)},
			},
			pageSize: 2,
			maxPages: 1,
			expected: []string{"1", "2"},
			calls:    []int{1},
		},
		{
			name:     "empty catalog",
			pageSize: 10,
			maxPages: 10,
			calls:    []int{1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var events []entity.ProgressEvent
			b := &fakeBroker{pages: tc.pages}
			s := newService(b, &events)

			result, err := s.Resolve(context.Background(), spec, tc.pageSize, tc.maxPages)
			require.NoError(t, err)

			var got []string
			for _, d := range result {
				require.True(t, d.Overlaps(spec.TimeStart, spec.TimeEnd))
				got = append(got, d.URL[len(d.URL)-4:len(d.URL)-3])
			}
			require.Equal(t, tc.expected, got)
			require.Equal(t, tc.calls, b.calls)

			require.Len(t, events, len(tc.calls))
			for i, e := range events {
				require.Equal(t, entity.ProgressPageStarted, e.Kind)
				require.Equal(t, i+1, e.Page)
			}
		})
	}
}

func TestResolveError(t *testing.T) {
	var events []entity.ProgressEvent
	s := newService(&fakeBroker{err: errors.New("HTTP 500 from broker")}, &events)

	_, err := s.Resolve(context.Background(), entity.FilterSpec{TimeStart: t0, TimeEnd: t0}, 10, 10)
	require.Error(t, err)
	require.True(t, common.IsClass(err, common.ClassCatalog))
}

func TestResolvePage(t *testing.T) {
	var events []entity.ProgressEvent
	b := &fakeBroker{pages: [][]entity.FileDescriptor{{desc(1, 0, time.Minute)}, {desc(2, 0, time.Minute)}}}
	s := newService(b, &events)

	result, err := s.ResolvePage(context.Background(), entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)}, 2, 1)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, []int{2}, b.calls)
	require.Equal(t, 2, events[0].Page)
}
