package cache

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/jgivc/dumpsearch/internal/entity"
)

const partialSuffix = ".partial"

// ResolvePath maps a descriptor to its cache location under root:
// {root}/{source_id}/{url path}. The scheme, host and query are dropped and the
// source id is not repeated when it already leads the URL path.
func ResolvePath(root string, d *entity.FileDescriptor) string {
	p := d.URL
	if u, err := url.Parse(d.URL); err == nil {
		p = u.Path
	}

	segments := cleanSegments(p)

	source := cleanSegments(d.SourceID)
	if len(source) > 0 && (len(segments) == 0 || segments[0] != source[0]) {
		segments = append([]string{source[0]}, segments...)
	}

	return filepath.Join(append([]string{root}, segments...)...)
}

func cleanSegments(p string) []string {
	parts := strings.Split(path.Clean("/"+p), "/")

	segments := make([]string, 0, len(parts))
	for _, s := range parts {
		if s == "" || s == "." || s == ".." {
			continue
		}
		segments = append(segments, s)
	}

	return segments
}

func partialPath(p string) string {
	return p + partialSuffix
}
