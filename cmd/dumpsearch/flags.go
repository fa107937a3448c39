package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/app"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const day = 24 * time.Hour

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

type searchFlags struct {
	start    *string
	end      *string
	duration *string

	collector *string
	project   *string
	dataType  *string
	origin    *uint
	prefix    *string
	super     *bool
	sub       *bool
	peers     *string
	peerASN   *uint
	kind      *string
	path      *string

	dryRun   *bool
	noCache  *bool
	cacheDir *string

	format  *string
	fields  *string
	orderBy *string
	order   *string

	outBin *string
	outDB  *string
	report *string

	concurrency *int
	page        *int
	pageSize    *int
	maxPages    *int
	metricsAddr *string
}

func newSearchFlags(fs *flag.FlagSet) *searchFlags {
	return &searchFlags{
		start:    fs.String("start", "", "Window start: RFC3339, 2006-01-02, 2006-01-02T15:04:05 or unix seconds"),
		end:      fs.String("end", "", "Window end, same formats as -start"),
		duration: fs.String("duration", "", "Window length, e.g. 90m, 2h or 1d; needs exactly one of -start/-end"),

		collector: fs.String("collector", "", "Collector (source) id"),
		project:   fs.String("project", "", "Project id"),
		dataType:  fs.String("type", "", "Content type: both, updates or snapshot"),
		origin:    fs.Uint("origin", 0, "Origin AS number"),
		prefix:    fs.String("prefix", "", "Prefix in CIDR notation"),
		super:     fs.Bool("super", false, "Include less specific prefixes"),
		sub:       fs.Bool("sub", false, "Include more specific prefixes"),
		peers:     fs.String("peer", "", "Comma separated peer IP addresses"),
		peerASN:   fs.Uint("peer-asn", 0, "Peer AS number"),
		kind:      fs.String("kind", "", "Record kind: announce or withdraw"),
		path:      fs.String("path", "", "AS path regular expression"),

		dryRun:   fs.Bool("dry-run", false, "List matching files without downloading them"),
		noCache:  fs.Bool("no-cache", false, "Decode remote files without caching them"),
		cacheDir: fs.String("cache-dir", "", "Cache directory, overrides the config"),

		format:  fs.String("format", "pipe", "Output format: pipe or json"),
		fields:  fs.String("fields", "", "Comma separated output fields"),
		orderBy: fs.String("order-by", "", "Sort by timestamp, prefix, peer_address, peer_id or source_id"),
		order:   fs.String("order", "", "Sort direction: asc or desc"),

		outBin: fs.String("out-bin", "", "Write records to a CBOR file (.gz compresses)"),
		outDB:  fs.String("out-db", "", "Export records to a SQLite file or PostgreSQL DSN"),
		report: fs.String("report", "", "Write an HTML run report"),

		concurrency: fs.Int("concurrency", 0, "Parallel workers, overrides the config"),
		page:        fs.Int("page", 0, "Fetch only this catalog page"),
		pageSize:    fs.Int("page-size", 0, "Catalog page size, overrides the config"),
		maxPages:    fs.Int("max-pages", 0, "Catalog page limit, overrides the config"),
		metricsAddr: fs.String("metrics-addr", "", "Serve /metrics on this address during the run"),
	}
}

func (f *searchFlags) params() (app.SearchParams, error) {
	var (
		spec entity.FilterSpec
		err  error
	)

	if spec.TimeStart, err = parseTime(*f.start); err != nil {
		return app.SearchParams{}, fmt.Errorf("-start: %w", err)
	}

	if spec.TimeEnd, err = parseTime(*f.end); err != nil {
		return app.SearchParams{}, fmt.Errorf("-end: %w", err)
	}

	if spec.Duration, err = parseDuration(*f.duration); err != nil {
		return app.SearchParams{}, fmt.Errorf("-duration: %w", err)
	}

	if *f.origin > uint(^uint32(0)) || *f.peerASN > uint(^uint32(0)) {
		return app.SearchParams{}, errors.New("AS number out of range")
	}

	spec.SourceID = *f.collector
	spec.ProjectID = *f.project
	spec.ContentType = entity.ContentType(*f.dataType)
	spec.OriginID = uint32(*f.origin)
	spec.Prefix = *f.prefix
	spec.IncludeSuper = *f.super
	spec.IncludeSub = *f.sub
	spec.PeerIDs = splitList(*f.peers)
	spec.PeerSourceID = uint32(*f.peerASN)
	spec.RecordKind = entity.RecordKind(*f.kind)
	spec.PathPattern = *f.path

	return app.SearchParams{
		Spec:        spec,
		DryRun:      *f.dryRun,
		NoCache:     *f.noCache,
		CacheDir:    *f.cacheDir,
		Format:      *f.format,
		Fields:      *f.fields,
		OrderBy:     *f.orderBy,
		Order:       *f.order,
		OutBin:      *f.outBin,
		OutDB:       *f.outDB,
		Report:      *f.report,
		Concurrency: *f.concurrency,
		Page:        *f.page,
		PageSize:    *f.pageSize,
		MaxPages:    *f.maxPages,
		MetricsAddr: *f.metricsAddr,
	}, nil
}

// parseTime accepts the layouts in timeLayouts (UTC unless an offset is
// given) or unix seconds. An empty string is the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

// parseDuration extends time.ParseDuration with a whole-day suffix "d".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("cannot parse duration %q", s)
		}

		return time.Duration(n) * day, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse duration %q: %w", s, err)
	}

	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
