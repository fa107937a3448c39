package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/spf13/afero"
)

const (
	schemeHTTP  = "http://"
	schemeHTTPS = "https://"
	schemeFile  = "file://"
)

// Fetcher opens remote (http, https) or local (file://, bare path) dump files.
type Fetcher struct {
	client *http.Client
	fs     afero.Fs
	log    *slog.Logger
}

func NewFetcher(timeout time.Duration, log *slog.Logger) *Fetcher {
	return NewFetcherWithFS(afero.NewOsFs(), &http.Client{Timeout: timeout}, log)
}

func NewFetcherWithFS(fs afero.Fs, client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}

	return &Fetcher{
		client: client,
		fs:     fs,
		log:    log.With(slog.String("item", "Fetcher")),
	}
}

// Open returns a stream of the file's bytes. The caller closes it.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if !IsRemote(rawURL) {
		path := LocalPath(rawURL)

		file, err := f.fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %w", path, err)
		}

		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("%w: HTTP %d from %s", common.ErrUnexpectedResponseStatus, resp.StatusCode, rawURL)
	}

	f.log.Debug("Open remote file", slog.String("url", rawURL), slog.Int64("content_length", resp.ContentLength))

	return resp.Body, nil
}

func IsRemote(rawURL string) bool {
	return strings.HasPrefix(rawURL, schemeHTTP) || strings.HasPrefix(rawURL, schemeHTTPS)
}

// LocalPath strips a file:// scheme.
func LocalPath(rawURL string) string {
	if !strings.HasPrefix(rawURL, schemeFile) {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimPrefix(rawURL, schemeFile)
	}

	return u.Path
}
