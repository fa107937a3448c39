package dispatch

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/metric"
)

const eventBuffer = 1024

type Processor interface {
	Process(ctx context.Context, d *entity.FileDescriptor, spec entity.FilterSpec) ([]*entity.Record, entity.ProgressEvent)
}

type dispatcher struct {
	proc    Processor
	metrics *metric.Metrics
	log     *slog.Logger
}

func NewDispatcher(proc Processor, metrics *metric.Metrics, log *slog.Logger) *dispatcher {
	return &dispatcher{
		proc:    proc,
		metrics: metrics,
		log:     log.With(slog.String("item", "Dispatcher")),
	}
}

// Run processes descriptors on concurrency workers (runtime.NumCPU() when not
// positive). Every processed descriptor yields its records followed by one
// FileCompleted event. The channel is closed once all workers are done.
func (d *dispatcher) Run(ctx context.Context, descriptors []entity.FileDescriptor, spec entity.FilterSpec, concurrency int) <-chan entity.Event {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	out := make(chan entity.Event, eventBuffer)

	if len(descriptors) == 0 {
		close(out)

		return out
	}

	concurrency = min(concurrency, len(descriptors))

	in := make(chan *entity.FileDescriptor, len(descriptors))
	for i := range descriptors {
		in <- &descriptors[i]
	}
	close(in)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for n := 0; n < concurrency; n++ {
		go d.worker(ctx, n, spec, in, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func (d *dispatcher) worker(ctx context.Context, n int, spec entity.FilterSpec, in <-chan *entity.FileDescriptor, out chan<- entity.Event, wg *sync.WaitGroup) {
	defer wg.Done()

	log := d.log.With(slog.Int("worker_id", n))
	log.Debug("Started")

	for desc := range in {
		if ctx.Err() != nil {
			log.Info("Interrupted")

			return
		}

		start := time.Now()
		records, event := d.proc.Process(ctx, desc, spec)
		d.metrics.FileDone(event.Success, time.Since(start))
		d.metrics.Records(len(records))

		for _, rec := range records {
			if !send(ctx, out, entity.Event{Record: &entity.TaggedRecord{Record: rec, SourceID: desc.SourceID}}) {
				log.Info("Interrupted")

				return
			}
		}

		if !send(ctx, out, entity.Event{Progress: &event}) {
			log.Info("Interrupted")

			return
		}
	}

	log.Debug("Done")
}

func send(ctx context.Context, out chan<- entity.Event, e entity.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- e:
		return true
	}
}
