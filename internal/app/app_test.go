package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jgivc/dumpsearch/internal/adapter/cborstream"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func encodeRecords(t *testing.T, n int) []byte {
	t.Helper()

	var buf bytes.Buffer
	enc := cborstream.NewEncoder(&buf)
	for i := range n {
		require.NoError(t, enc.Encode(&entity.Record{
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
			Kind:        entity.RecordKindAnnounce,
			PeerAddress: netip.MustParseAddr("192.0.2.1"),
			PeerID:      64496,
			Prefix:      netip.MustParsePrefix("10.0.0.0/8"),
			Path:        []uint32{64496, 64511},
			OriginIDs:   []uint32{64511},
		}))
	}

	return buf.Bytes()
}

type catalogServer struct {
	*httptest.Server
	downloads atomic.Int32
}

func newCatalogServer(t *testing.T) *catalogServer {
	t.Helper()

	files := map[string][]byte{
		"/files/rrc00/a.cbor": encodeRecords(t, 5),
		"/files/rrc01/b.cbor": encodeRecords(t, 3),
	}

	cs := &catalogServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `{"data":[]}`)

			return
		}

		fmt.Fprintf(w, `{"data":[
{"url":"%[1]s/files/rrc00/a.cbor","collector_id":"rrc00","data_type":"updates","ts_start":"2024-01-01T00:00:00Z","ts_end":"2024-01-01T00:15:00Z"},
{"url":"%[1]s/files/rrc01/b.cbor","collector_id":"rrc01","data_type":"updates","ts_start":"2024-01-01T00:00:00Z","ts_end":"2024-01-01T00:15:00Z"}
]}`, cs.URL)
	})
	mux.HandleFunc("GET /files/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}
		cs.downloads.Add(1)
		w.Write(data)
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)

	return cs
}

func newApp(t *testing.T, catalogURL, redisURL string) (*App, string) {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)

	cacheDir := filepath.Join(dir, "cache")
	cfg := fmt.Sprintf(`
log_level: error
catalog:
  url: %s
  page_size: 10
  max_pages: 3
cache:
  dir: %s
  enabled: true
retry:
  max_attempts: 2
  initial_delay: 1ms
  max_delay: 2ms
redis:
  url: %q
`, catalogURL, cacheDir, redisURL)

	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	a, err := New(context.Background(), path, io.Discard)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return a, cacheDir
}

func filter() entity.FilterSpec {
	return entity.FilterSpec{TimeStart: t0, TimeEnd: t0.Add(time.Hour)}
}

func TestSearch(t *testing.T) {
	cs := newCatalogServer(t)
	a, cacheDir := newApp(t, cs.URL, "")

	var out bytes.Buffer
	summary, err := a.Search(context.Background(), SearchParams{Spec: filter(), Stdout: &out})
	require.NoError(t, err)

	require.Equal(t, 2, summary.Attempted)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 8, summary.Records)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 9)
	require.True(t, strings.HasPrefix(lines[0], "kind|timestamp|"))

	require.FileExists(t, filepath.Join(cacheDir, "rrc00", "files", "rrc00", "a.cbor"))
	require.EqualValues(t, 2, cs.downloads.Load())

	_, err = a.Search(context.Background(), SearchParams{Spec: filter(), Stdout: io.Discard})
	require.NoError(t, err)
	require.EqualValues(t, 2, cs.downloads.Load())
}

func TestSearchOutputs(t *testing.T) {
	cs := newCatalogServer(t)
	a, _ := newApp(t, cs.URL, "")

	dir := t.TempDir()
	bin := filepath.Join(dir, "out.cbor.gz")
	db := filepath.Join(dir, "out.db")
	rep := filepath.Join(dir, "report.html")

	var out bytes.Buffer
	summary, err := a.Search(context.Background(), SearchParams{
		Spec:    filter(),
		NoCache: true,
		Format:  "json",
		OrderBy: "timestamp",
		Order:   "desc",
		OutBin:  bin,
		OutDB:   db,
		Report:  rep,
		Stdout:  &out,
	})
	require.NoError(t, err)
	require.Equal(t, 8, summary.Records)
	require.Empty(t, summary.SinkErrors)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)

	var first struct {
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.True(t, first.Timestamp.Equal(t0.Add(4*time.Minute)))

	require.FileExists(t, bin)
	require.FileExists(t, db)

	html, err := os.ReadFile(rep)
	require.NoError(t, err)
	require.Contains(t, string(html), summary.RunID)
}

func TestSearchDryRun(t *testing.T) {
	cs := newCatalogServer(t)
	a, cacheDir := newApp(t, cs.URL, "")

	var out bytes.Buffer
	summary, err := a.Search(context.Background(), SearchParams{Spec: filter(), DryRun: true, Stdout: &out})
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, 2, summary.Descriptors)
	require.Zero(t, summary.Records)
	require.Zero(t, cs.downloads.Load())

	require.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 2)
	require.NoDirExists(t, cacheDir)
}

func TestSearchSetupErrors(t *testing.T) {
	cs := newCatalogServer(t)
	a, _ := newApp(t, cs.URL, "")

	_, err := a.Search(context.Background(), SearchParams{Spec: entity.FilterSpec{}})
	require.True(t, common.IsClass(err, common.ClassValidation))

	_, err = a.Search(context.Background(), SearchParams{Spec: filter(), Format: "xml"})
	require.ErrorIs(t, err, common.ErrUnsupportedOutputFormat)

	_, err = a.Search(context.Background(), SearchParams{Spec: filter(), Fields: "kind,color"})
	require.True(t, common.IsClass(err, common.ClassValidation))

	_, err = a.Search(context.Background(), SearchParams{Spec: filter(), OrderBy: "color"})
	require.ErrorIs(t, err, common.ErrUnsupportedOrderField)

	cs.Close()
	_, err = a.Search(context.Background(), SearchParams{Spec: filter(), Stdout: io.Discard})
	require.True(t, common.IsClass(err, common.ClassCatalog))
}

func TestHandlerRequiresRedis(t *testing.T) {
	a, _ := newApp(t, "http://localhost:1", "")

	_, err := a.Handler()
	require.ErrorIs(t, err, ErrRedisRequired)
}

func TestSearchHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	cs := newCatalogServer(t)
	a, _ := newApp(t, cs.URL, "redis://"+mr.Addr())

	summary, err := a.Search(context.Background(), SearchParams{Spec: filter(), Stdout: io.Discard})
	require.NoError(t, err)

	h, err := a.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []entity.RunSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)
	require.Equal(t, 8, runs[0].Records)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+summary.RunID+"/report/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<table>")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dumpsearch_records_total 8")
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("verbose", io.Discard)
	require.Error(t, err)

	log, err := NewLogger("debug", io.Discard)
	require.NoError(t, err)
	require.NotNil(t, log)
}
