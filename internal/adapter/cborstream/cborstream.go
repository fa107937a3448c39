package cborstream

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/fxamacker/cbor/v2"
	"github.com/jgivc/dumpsearch/internal/entity"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}

	return em
}

// Decoder reads a CBOR sequence of records.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode yields every record in r that passes f. A malformed item ends the
// sequence with an error.
func (d *Decoder) Decode(r io.Reader, f *entity.Filters) iter.Seq2[*entity.Record, error] {
	return func(yield func(*entity.Record, error) bool) {
		dec := cbor.NewDecoder(r)
		for {
			rec := &entity.Record{}
			if err := dec.Decode(rec); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(nil, fmt.Errorf("cannot decode record at byte %d: %w", dec.NumBytesRead(), err))

				return
			}

			if !f.Match(rec) {
				continue
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Encoder writes records as a CBOR sequence.
type Encoder struct {
	enc *cbor.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encMode.NewEncoder(w)}
}

func (e *Encoder) Encode(rec *entity.Record) error {
	if err := e.enc.Encode(rec); err != nil {
		return fmt.Errorf("cannot encode record: %w", err)
	}

	return nil
}
