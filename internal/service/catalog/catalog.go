package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/jgivc/dumpsearch/internal/metric"
)

type Broker interface {
	Search(ctx context.Context, spec entity.FilterSpec, page, pageSize int) ([]entity.FileDescriptor, error)
}

// ProgressFunc receives PageStarted events. It may be nil.
type ProgressFunc func(entity.ProgressEvent)

type catalogService struct {
	broker   Broker
	progress ProgressFunc
	metrics  *metric.Metrics
	log      *slog.Logger
}

func NewCatalogService(broker Broker, progress ProgressFunc, metrics *metric.Metrics, log *slog.Logger) *catalogService {
	return &catalogService{
		broker:   broker,
		progress: progress,
		metrics:  metrics,
		log:      log.With(slog.String("item", "CatalogService")),
	}
}

// Resolve pages through the catalog from page 1 until an empty page or maxPages,
// keeping only descriptors that overlap the spec's window. At most
// pageSize*maxPages descriptors are returned.
func (s *catalogService) Resolve(ctx context.Context, spec entity.FilterSpec, pageSize, maxPages int) ([]entity.FileDescriptor, error) {
	log := s.log.With(slog.String("op", "Resolve"))

	limit := pageSize * maxPages
	var result []entity.FileDescriptor

	for page := 1; page <= maxPages; page++ {
		items, raw, err := s.page(ctx, spec, page, pageSize)
		if err != nil {
			return nil, err
		}

		if raw == 0 {
			break
		}

		result = append(result, items...)
		if len(result) >= limit {
			result = result[:limit]

			break
		}
	}

	log.Info("Resolved descriptors", slog.Int("count", len(result)))

	return result, nil
}

// ResolvePage fetches a single 1-based page. Descriptors outside the window are dropped.
func (s *catalogService) ResolvePage(ctx context.Context, spec entity.FilterSpec, page, pageSize int) ([]entity.FileDescriptor, error) {
	items, _, err := s.page(ctx, spec, page, pageSize)

	return items, err
}

// page returns the overlapping descriptors and the raw size of the page.
func (s *catalogService) page(ctx context.Context, spec entity.FilterSpec, page, pageSize int) ([]entity.FileDescriptor, int, error) {
	if s.progress != nil {
		s.progress(entity.PageStarted(page))
	}
	s.metrics.PageFetched()

	items, err := s.broker.Search(ctx, spec, page, pageSize)
	if err != nil {
		s.log.Error("Cannot query catalog", slog.Int("page", page), slog.Any("error", err))

		return nil, 0, common.CatalogError(fmt.Sprintf("page %d", page), err)
	}

	kept := make([]entity.FileDescriptor, 0, len(items))
	for _, d := range items {
		if !d.Overlaps(spec.TimeStart, spec.TimeEnd) {
			s.log.Debug("Skip descriptor outside window", slog.String("url", d.URL))

			continue
		}
		kept = append(kept, d)
	}

	return kept, len(items), nil
}
