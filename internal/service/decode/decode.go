package decode

import (
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jgivc/dumpsearch/internal/adapter/fetch"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/spf13/afero"
)

const (
	extGzip  = ".gz"
	extBzip2 = ".bz2"
)

type RecordDecoder interface {
	Decode(r io.Reader, f *entity.Filters) iter.Seq2[*entity.Record, error]
}

type Fetcher interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

type decodeService struct {
	fs      afero.Fs
	fetcher Fetcher
	decoder RecordDecoder
	log     *slog.Logger
}

func NewDecodeService(fetcher Fetcher, decoder RecordDecoder, log *slog.Logger) *decodeService {
	return NewDecodeServiceWithFS(afero.NewOsFs(), fetcher, decoder, log)
}

func NewDecodeServiceWithFS(fs afero.Fs, fetcher Fetcher, decoder RecordDecoder, log *slog.Logger) *decodeService {
	return &decodeService{
		fs:      fs,
		fetcher: fetcher,
		decoder: decoder,
		log:     log.With(slog.String("item", "DecodeService")),
	}
}

// Decode opens a local path or a remote URL and returns the lazy sequence of
// records passing the spec's filters. The source is closed when iteration
// ends, so the sequence must be ranged over exactly once.
func (s *decodeService) Decode(ctx context.Context, pathOrURL string, spec entity.FilterSpec) (iter.Seq2[*entity.Record, error], error) {
	filters, err := entity.NewFilters(spec)
	if err != nil {
		return nil, common.ValidationError("filters", err)
	}

	rc, err := s.open(ctx, pathOrURL)
	if err != nil {
		return nil, common.DecodeError("open", err)
	}

	r, err := decompress(rc, pathOrURL)
	if err != nil {
		_ = rc.Close()

		return nil, common.DecodeError("decompress", err)
	}

	return func(yield func(*entity.Record, error) bool) {
		defer rc.Close()

		for rec, err := range s.decoder.Decode(r, filters) {
			if err == nil {
				err = ctx.Err()
			}

			if err != nil {
				yield(nil, common.DecodeError(pathOrURL, err))

				return
			}

			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}

func (s *decodeService) open(ctx context.Context, pathOrURL string) (io.ReadCloser, error) {
	if fetch.IsRemote(pathOrURL) {
		return s.fetcher.Open(ctx, pathOrURL)
	}

	path := fetch.LocalPath(pathOrURL)

	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}

	return f, nil
}

func decompress(r io.Reader, pathOrURL string) (io.Reader, error) {
	name := pathOrURL
	if u, err := url.Parse(pathOrURL); err == nil && u.Path != "" {
		name = u.Path
	}

	switch {
	case strings.HasSuffix(name, extGzip):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("cannot read gzip header: %w", err)
		}

		return zr, nil
	case strings.HasSuffix(name, extBzip2):
		return bzip2.NewReader(r), nil
	default:
		return r, nil
	}
}
