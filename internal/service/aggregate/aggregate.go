package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
)

type Mode int

const (
	ModeStreaming Mode = iota
	ModeOrdered
)

const (
	OrderTimestamp   = "timestamp"
	OrderPrefix      = "prefix"
	OrderPeerAddress = "peer_address"
	OrderPeerID      = "peer_id"
	OrderSourceID    = "source_id"

	DirectionAsc  = "asc"
	DirectionDesc = "desc"
)

type Sink interface {
	Name() string
	WriteRecord(rec *entity.Record, sourceID string) error
	WriteLine(line string) error
	Close() error
}

type Options struct {
	Mode      Mode
	OrderBy   string
	Direction string
	// Header is written to every sink before the first record when not empty.
	Header string
	// Progress receives every FileCompleted event. It may be nil.
	Progress func(entity.ProgressEvent)
}

// ParseOrder returns the ordered mode options for a field and direction.
// An empty field means streaming mode.
func ParseOrder(field, direction string) (Options, error) {
	if field == "" {
		return Options{Mode: ModeStreaming}, nil
	}

	if _, ok := comparators[field]; !ok {
		return Options{}, common.ValidationError("order", fmt.Errorf("%w: %s", common.ErrUnsupportedOrderField, field))
	}

	switch direction {
	case "":
		direction = DirectionAsc
	case DirectionAsc, DirectionDesc:
	default:
		return Options{}, common.ValidationError("order", fmt.Errorf("unsupported direction %q", direction))
	}

	return Options{Mode: ModeOrdered, OrderBy: field, Direction: direction}, nil
}

type compareFunc func(a, b *entity.TaggedRecord) int

var comparators = map[string]compareFunc{
	OrderTimestamp: func(a, b *entity.TaggedRecord) int {
		return a.Record.Timestamp.Compare(b.Record.Timestamp)
	},
	OrderPrefix: func(a, b *entity.TaggedRecord) int {
		if c := a.Record.Prefix.Addr().Compare(b.Record.Prefix.Addr()); c != 0 {
			return c
		}

		return cmpInt(a.Record.Prefix.Bits(), b.Record.Prefix.Bits())
	},
	OrderPeerAddress: func(a, b *entity.TaggedRecord) int {
		return a.Record.PeerAddress.Compare(b.Record.PeerAddress)
	},
	OrderPeerID: func(a, b *entity.TaggedRecord) int {
		return cmpInt(a.Record.PeerID, b.Record.PeerID)
	},
	OrderSourceID: func(a, b *entity.TaggedRecord) int {
		return strings.Compare(a.SourceID, b.SourceID)
	},
}

func cmpInt[T int | uint32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type aggregator struct {
	log *slog.Logger
}

func NewAggregator(log *slog.Logger) *aggregator {
	return &aggregator{
		log: log.With(slog.String("item", "Aggregator")),
	}
}

type run struct {
	sinks    []Sink
	disabled map[int]bool
	summary  *entity.RunSummary
	log      *slog.Logger
}

/*
Consume drains events and delivers records to the sinks, then closes them.
In streaming mode records are forwarded as they arrive; in ordered mode they
are buffered until the channel closes and stably sorted first. A sink that
fails once is disabled for the rest of the run. The returned summary is
always set; the error is only ctx.Err() on cancellation.
*/
func (a *aggregator) Consume(ctx context.Context, events <-chan entity.Event, opts Options, sinks []Sink) (*entity.RunSummary, error) {
	started := time.Now()
	r := &run{
		sinks:    sinks,
		disabled: make(map[int]bool),
		summary:  &entity.RunSummary{StartedAt: started},
		log:      a.log,
	}

	if opts.Header != "" {
		r.writeLine(opts.Header)
	}

	var (
		buffer []*entity.TaggedRecord
		err    error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()

			break loop
		case e, ok := <-events:
			if !ok {
				break loop
			}

			if e.Progress != nil {
				r.progress(*e.Progress)
				if opts.Progress != nil {
					opts.Progress(*e.Progress)
				}

				continue
			}

			if e.Record == nil {
				continue
			}

			r.summary.Records++

			if opts.Mode == ModeOrdered {
				buffer = append(buffer, e.Record)

				continue
			}

			if ctx.Err() != nil {
				err = ctx.Err()

				break loop
			}
			r.forward(e.Record)
		}
	}

	if err == nil && opts.Mode == ModeOrdered {
		sortRecords(buffer, opts.OrderBy, opts.Direction)

		for _, rec := range buffer {
			if ctx.Err() != nil {
				err = ctx.Err()

				break
			}
			r.forward(rec)
		}
	}

	r.close()
	r.summary.Duration = time.Since(started)

	a.log.Info("Run finished",
		slog.Int("attempted", r.summary.Attempted),
		slog.Int("succeeded", r.summary.Succeeded),
		slog.Int("failed", r.summary.Failed),
		slog.Int("records", r.summary.Records),
	)

	return r.summary, err
}

func sortRecords(buffer []*entity.TaggedRecord, field, direction string) {
	cmp, ok := comparators[field]
	if !ok {
		cmp = comparators[OrderTimestamp]
	}

	if direction == DirectionDesc {
		slices.SortStableFunc(buffer, func(a, b *entity.TaggedRecord) int { return cmp(b, a) })

		return
	}

	slices.SortStableFunc(buffer, cmp)
}

func (r *run) progress(e entity.ProgressEvent) {
	if e.Kind != entity.ProgressFileCompleted {
		return
	}

	r.summary.Attempted++
	if e.Success {
		r.summary.Succeeded++

		return
	}

	r.summary.Failed++
	r.summary.Failures = append(r.summary.Failures, entity.FailedFile{
		URL:      e.URL,
		SourceID: e.SourceID,
		Attempts: e.Attempts,
		Error:    e.Err,
	})
}

func (r *run) forward(rec *entity.TaggedRecord) {
	for i, s := range r.sinks {
		if r.disabled[i] {
			continue
		}

		if err := s.WriteRecord(rec.Record, rec.SourceID); err != nil {
			r.disable(i, err)
		}
	}
}

func (r *run) writeLine(line string) {
	for i, s := range r.sinks {
		if r.disabled[i] {
			continue
		}

		if err := s.WriteLine(line); err != nil {
			r.disable(i, err)
		}
	}
}

func (r *run) disable(i int, err error) {
	name := r.sinks[i].Name()
	err = common.SinkError(name, fmt.Errorf("%w: %w", common.ErrSinkDisabled, err))

	r.log.Error("Sink disabled", slog.String("sink", name), slog.Any("error", err))

	r.disabled[i] = true
	if r.summary.SinkErrors == nil {
		r.summary.SinkErrors = make(map[string]string)
	}
	r.summary.SinkErrors[name] = err.Error()
}

func (r *run) close() {
	for i, s := range r.sinks {
		if err := s.Close(); err != nil && !r.disabled[i] {
			r.disable(i, err)
		}
	}
}
