package decode

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/jgivc/dumpsearch/internal/adapter/cborstream"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	data []byte
	urls []string
}

func (f *fakeFetcher) Open(_ context.Context, rawURL string) (io.ReadCloser, error) {
	f.urls = append(f.urls, rawURL)

	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func records(n int) []byte {
	var buf bytes.Buffer
	enc := cborstream.NewEncoder(&buf)
	for i := range n {
		kind := entity.RecordKindAnnounce
		if i%2 == 1 {
			kind = entity.RecordKindWithdraw
		}
		_ = enc.Encode(&entity.Record{
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
			Kind:        kind,
			PeerAddress: netip.MustParseAddr("192.0.2.1"),
			PeerID:      64496,
			Prefix:      netip.MustParsePrefix("10.0.0.0/8"),
			Path:        []uint32{64496, 64500},
			OriginIDs:   []uint32{64500},
		})
	}

	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func collect(t *testing.T, seq func(func(*entity.Record, error) bool)) ([]*entity.Record, error) {
	t.Helper()

	var (
		out     []*entity.Record
		lastErr error
	)
	for rec, err := range seq {
		if err != nil {
			lastErr = err

			continue
		}
		out = append(out, rec)
	}

	return out, lastErr
}

func TestDecode(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/rrc00/plain.cbor", records(4), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/cache/rrc00/updates.gz", gzipped(t, records(4)), 0o644))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := &fakeFetcher{data: gzipped(t, records(4))}
	s := NewDecodeServiceWithFS(fs, fetcher, cborstream.NewDecoder(), log)

	window := entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)}

	testCases := []struct {
		name     string
		path     string
		spec     entity.FilterSpec
		expected int
	}{
		{name: "plain", path: "/cache/rrc00/plain.cbor", spec: window, expected: 4},
		{name: "gzip", path: "/cache/rrc00/updates.gz", spec: window, expected: 4},
		{name: "file scheme", path: "file:///cache/rrc00/updates.gz", spec: window, expected: 4},
		{name: "remote", path: "https://data.example.net/rrc00/updates.gz?x=1", spec: window, expected: 4},
		{
			name:     "filtered",
			path:     "/cache/rrc00/updates.gz",
			spec:     entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour), RecordKind: entity.RecordKindAnnounce},
			expected: 2,
		},
		{
			name:     "window",
			path:     "/cache/rrc00/plain.cbor",
			spec:     entity.FilterSpec{TimeStart: t0.Add(time.Minute), TimeEnd: t0.Add(2 * time.Minute)},
			expected: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seq, err := s.Decode(context.Background(), tc.path, tc.spec)
			require.NoError(t, err)

			got, err := collect(t, seq)
			require.NoError(t, err)
			require.Len(t, got, tc.expected)
		})
	}

	require.Equal(t, []string{"https://data.example.net/rrc00/updates.gz?x=1"}, fetcher.urls)
}

func TestDecodeErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/bad.gz", []byte("not gzip"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/cache/truncated.cbor", records(3)[:20], 0o644))

	s := NewDecodeServiceWithFS(fs, &fakeFetcher{}, cborstream.NewDecoder(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	spec := entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)}

	_, err := s.Decode(context.Background(), "/cache/missing.gz", spec)
	require.True(t, common.IsClass(err, common.ClassDecode))

	_, err = s.Decode(context.Background(), "/cache/bad.gz", spec)
	require.True(t, common.IsClass(err, common.ClassDecode))

	seq, err := s.Decode(context.Background(), "/cache/truncated.cbor", spec)
	require.NoError(t, err)
	_, err = collect(t, seq)
	require.True(t, common.IsClass(err, common.ClassDecode))
}

func TestDecodeCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/a.cbor", records(3), 0o644))

	s := NewDecodeServiceWithFS(fs, &fakeFetcher{}, cborstream.NewDecoder(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := s.Decode(ctx, "/cache/a.cbor", entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)})
	require.NoError(t, err)
	cancel()

	got, err := collect(t, seq)
	require.Empty(t, got)
	require.True(t, errors.Is(err, context.Canceled))
}
