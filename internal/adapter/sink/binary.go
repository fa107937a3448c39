package sink

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgivc/dumpsearch/internal/adapter/cborstream"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/spf13/afero"
)

const (
	extGzip  = ".gz"
	dirPerm  = 0o755
	filePerm = 0o644
)

// Binary re-encodes records into a CBOR record stream, gzip compressed when
// the path ends in .gz. The file can be fed back to the decoder.
type Binary struct {
	path string
	f    afero.File
	buf  *bufio.Writer
	gz   *gzip.Writer
	enc  *cborstream.Encoder
}

func NewBinary(path string) (*Binary, error) {
	return NewBinaryWithFS(afero.NewOsFs(), path)
}

func NewBinaryWithFS(fs afero.Fs, path string) (*Binary, error) {
	if err := fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("cannot create directory for %s: %w", path, err)
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", path, err)
	}

	b := &Binary{path: path, f: f, buf: bufio.NewWriter(f)}

	if strings.HasSuffix(path, extGzip) {
		b.gz = gzip.NewWriter(b.buf)
		b.enc = cborstream.NewEncoder(b.gz)
	} else {
		b.enc = cborstream.NewEncoder(b.buf)
	}

	return b, nil
}

func (b *Binary) Name() string {
	return "binary:" + b.path
}

func (b *Binary) WriteRecord(rec *entity.Record, _ string) error {
	return b.enc.Encode(rec)
}

// WriteLine is a no-op: the record stream has no place for text.
func (b *Binary) WriteLine(_ string) error {
	return nil
}

func (b *Binary) Close() error {
	var err error
	if b.gz != nil {
		err = b.gz.Close()
	}

	if ferr := b.buf.Flush(); err == nil {
		err = ferr
	}

	if cerr := b.f.Close(); err == nil {
		err = cerr
	}

	return err
}
