package entity

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jgivc/dumpsearch/internal/common"
)

type ContentType string

const (
	ContentTypeBoth     ContentType = "both"
	ContentTypeUpdates  ContentType = "updates"
	ContentTypeSnapshot ContentType = "snapshot"
)

type RecordKind string

const (
	RecordKindAnnounce RecordKind = "announce"
	RecordKindWithdraw RecordKind = "withdraw"
)

// FilterSpec describes what data to fetch and how to decode it. Either both
// endpoints are set, or exactly one endpoint plus Duration.
type FilterSpec struct {
	TimeStart time.Time     `json:"time_start" yaml:"time_start"`
	TimeEnd   time.Time     `json:"time_end" yaml:"time_end"`
	Duration  time.Duration `json:"duration,omitempty" yaml:"duration" validate:"gte=0"`

	SourceID    string      `json:"source_id,omitempty" yaml:"source_id" validate:"omitempty,max=128"`
	ProjectID   string      `json:"project_id,omitempty" yaml:"project_id" validate:"omitempty,max=64"`
	ContentType ContentType `json:"content_type,omitempty" yaml:"content_type" validate:"omitempty,oneof=both updates snapshot"`

	OriginID     uint32     `json:"origin_id,omitempty" yaml:"origin_id"`
	Prefix       string     `json:"prefix,omitempty" yaml:"prefix" validate:"omitempty,cidr"`
	IncludeSuper bool       `json:"include_super,omitempty" yaml:"include_super"`
	IncludeSub   bool       `json:"include_sub,omitempty" yaml:"include_sub"`
	PeerIDs      []string   `json:"peer_ids,omitempty" yaml:"peer_ids" validate:"omitempty,dive,ip"`
	PeerSourceID uint32     `json:"peer_source_id,omitempty" yaml:"peer_source_id"`
	RecordKind   RecordKind `json:"record_kind,omitempty" yaml:"record_kind" validate:"omitempty,oneof=announce withdraw"`
	PathPattern  string     `json:"path_pattern,omitempty" yaml:"path_pattern"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})

	return validate
}

/*
Resolve validates the spec and returns a normalized copy with both endpoints
set and Duration cleared. Accepted combinations:
 1. TimeStart and TimeEnd, no Duration.
 2. TimeStart and Duration: TimeEnd = TimeStart + Duration.
 3. TimeEnd and Duration: TimeStart = TimeEnd - Duration.
*/
func (f FilterSpec) Resolve() (FilterSpec, error) {
	if err := getValidator().Struct(f); err != nil {
		return FilterSpec{}, common.ValidationError("filter", err)
	}

	if f.PathPattern != "" {
		if _, err := regexp.Compile(f.PathPattern); err != nil {
			return FilterSpec{}, common.ValidationError("filter", fmt.Errorf("invalid path pattern: %w", err))
		}
	}

	hasStart, hasEnd, hasDuration := !f.TimeStart.IsZero(), !f.TimeEnd.IsZero(), f.Duration > 0

	switch {
	case hasStart && hasEnd && !hasDuration:
	case hasStart && !hasEnd && hasDuration:
		f.TimeEnd = f.TimeStart.Add(f.Duration)
	case !hasStart && hasEnd && hasDuration:
		f.TimeStart = f.TimeEnd.Add(-f.Duration)
	case hasStart && hasEnd && hasDuration:
		return FilterSpec{}, common.ValidationError("filter",
			fmt.Errorf("%w: start, end and duration cannot all be set", common.ErrInvalidTimeWindow))
	default:
		return FilterSpec{}, common.ValidationError("filter",
			fmt.Errorf("%w: need both endpoints or one endpoint with a duration", common.ErrInvalidTimeWindow))
	}

	if f.TimeEnd.Before(f.TimeStart) {
		return FilterSpec{}, common.ValidationError("filter",
			fmt.Errorf("%w: end %s is before start %s", common.ErrInvalidTimeWindow,
				f.TimeEnd.Format(time.RFC3339), f.TimeStart.Format(time.RFC3339)))
	}

	if f.ContentType == "" {
		f.ContentType = ContentTypeBoth
	}

	f.TimeStart = f.TimeStart.UTC()
	f.TimeEnd = f.TimeEnd.UTC()
	f.Duration = 0

	return f, nil
}
