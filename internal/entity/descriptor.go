package entity

import "time"

// FileDescriptor identifies one remotely hosted dump file as listed by the catalog.
type FileDescriptor struct {
	URL             string      `json:"url"`
	SourceID        string      `json:"source_id"`
	ContentType     ContentType `json:"content_type"`
	TimeStart       time.Time   `json:"time_start"`
	TimeEnd         time.Time   `json:"time_end"`
	ApproxSizeBytes int64       `json:"approx_size_bytes"`
}

// Overlaps reports whether the descriptor's [TimeStart, TimeEnd) range
// intersects the closed window [start, end]. A descriptor with
// TimeStart == TimeEnd (a snapshot) is the single instant TimeStart.
func (d *FileDescriptor) Overlaps(start, end time.Time) bool {
	if d.TimeEnd.Equal(d.TimeStart) {
		return !d.TimeStart.Before(start) && !d.TimeStart.After(end)
	}

	return !d.TimeStart.After(end) && d.TimeEnd.After(start)
}
