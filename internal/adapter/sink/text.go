package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const (
	FormatPipe = "pipe"
	FormatJSON = "json"

	pipeSeparator = "|"
)

type jsonRecord struct {
	*entity.Record
	SourceID string `json:"source_id"`
}

// Text writes one line per record, either pipe separated or as JSON lines.
type Text struct {
	name   string
	w      *bufio.Writer
	closer io.Closer
	format string
	fields []string
}

// NewText wraps w. When w is also an io.Closer it is closed by Close.
func NewText(name string, w io.Writer, format string, fields []string) (*Text, error) {
	switch format {
	case "", FormatPipe:
		format = FormatPipe
	case FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedOutputFormat, format)
	}

	t := &Text{
		name:   name,
		w:      bufio.NewWriter(w),
		format: format,
		fields: fields,
	}

	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}

	return t, nil
}

func (t *Text) Name() string {
	return t.name
}

// Header returns the pipe column names, or "" for JSON output.
func (t *Text) Header() string {
	if t.format != FormatPipe {
		return ""
	}

	return strings.Join(t.columns(), pipeSeparator)
}

func (t *Text) columns() []string {
	if len(t.fields) > 0 {
		return t.fields
	}

	return DefaultFields
}

func (t *Text) WriteRecord(rec *entity.Record, sourceID string) error {
	var line string

	switch t.format {
	case FormatJSON:
		var v any = jsonRecord{Record: rec, SourceID: sourceID}
		if len(t.fields) > 0 {
			m := make(map[string]any, len(t.fields))
			for _, f := range t.fields {
				m[f] = fieldValue(rec, sourceID, f)
			}
			v = m
		}

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("cannot marshal record: %w", err)
		}
		line = string(data)
	default:
		cols := t.columns()
		values := make([]string, len(cols))
		for i, f := range cols {
			values[i] = fieldText(rec, sourceID, f)
		}
		line = strings.Join(values, pipeSeparator)
	}

	return t.WriteLine(line)
}

func (t *Text) WriteLine(line string) error {
	if _, err := t.w.WriteString(line); err != nil {
		return err
	}

	return t.w.WriteByte('\n')
}

func (t *Text) Close() error {
	err := t.w.Flush()

	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}

	return err
}
