package entity

import "time"

type ProgressKind int

const (
	ProgressPageStarted ProgressKind = iota
	ProgressFileCompleted
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressPageStarted:
		return "PageStarted"
	case ProgressFileCompleted:
		return "FileCompleted"
	default:
		return "Unknown"
	}
}

// ProgressEvent is either PageStarted (Page, Timestamp) or FileCompleted
// (RecordCount, Success and the descriptor details).
type ProgressEvent struct {
	Kind ProgressKind

	Page      int
	Timestamp time.Time

	RecordCount int
	Success     bool
	URL         string
	SourceID    string
	Attempts    int
	Err         string
}

func PageStarted(page int) ProgressEvent {
	return ProgressEvent{Kind: ProgressPageStarted, Page: page, Timestamp: time.Now()}
}

type FailedFile struct {
	URL      string `json:"url" yaml:"url"`
	SourceID string `json:"source_id" yaml:"source_id"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Error    string `json:"error" yaml:"error"`
}

// RunSummary is the terminal value of a pipeline run. Callers detect
// partial failure through Failed, not through an error.
type RunSummary struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	DryRun      bool              `json:"dry_run"`
	Descriptors int               `json:"descriptors"`
	Attempted   int               `json:"attempted"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Records     int               `json:"records"`
	Duration    time.Duration     `json:"duration"`
	Failures    []FailedFile      `json:"failures,omitempty"`
	SinkErrors  map[string]string `json:"sink_errors,omitempty"`
}

// Event flows from the dispatcher to the aggregator: either a record tagged
// with its source id or a progress event.
type Event struct {
	Record   *TaggedRecord
	Progress *ProgressEvent
}
