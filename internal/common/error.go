package common

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTimeWindow        = fmt.Errorf("invalid time window")
	ErrCacheNotWritable         = fmt.Errorf("cache directory is not writable")
	ErrRunNotFoundError         = fmt.Errorf("run not found")
	ErrLockNotAcquired          = fmt.Errorf("lock not acquired")
	ErrUnsupportedOutputFormat  = fmt.Errorf("unsupported output format")
	ErrUnsupportedOrderField    = fmt.Errorf("unsupported order field")
	ErrSinkDisabled             = fmt.Errorf("sink disabled")
	ErrUnexpectedResponseStatus = fmt.Errorf("unexpected response status")
)

// Class is the pipeline error taxonomy. Validation, Catalog and pre-flight
// Cache errors stop a run; Decode errors are contained by the retry
// supervisor; Sink errors disable only the failing sink.
type Class int

const (
	ClassValidation Class = iota
	ClassCatalog
	ClassCache
	ClassDecode
	ClassSink
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassCatalog:
		return "catalog"
	case ClassCache:
		return "cache"
	case ClassDecode:
		return "decode"
	case ClassSink:
		return "sink"
	default:
		return "unknown"
	}
}

type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Class, e.Err)
	}

	return fmt.Sprintf("%s error: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Class: class, Op: op, Err: err}
}

func ValidationError(op string, err error) error { return wrap(ClassValidation, op, err) }
func CatalogError(op string, err error) error    { return wrap(ClassCatalog, op, err) }
func CacheError(op string, err error) error      { return wrap(ClassCache, op, err) }
func DecodeError(op string, err error) error     { return wrap(ClassDecode, op, err) }
func SinkError(op string, err error) error       { return wrap(ClassSink, op, err) }

// IsClass reports whether any error in err's chain is a classified *Error of class c.
func IsClass(err error, c Class) bool {
	for {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}

		if e.Class == c {
			return true
		}

		err = e.Err
	}
}
