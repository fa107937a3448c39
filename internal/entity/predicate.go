package entity

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Filters are the named record predicates handed to a record decoder.
// The zero value of every field means "no constraint".
type Filters struct {
	TimeStart    time.Time
	TimeEnd      time.Time
	Prefix       netip.Prefix
	IncludeSuper bool
	IncludeSub   bool
	OriginID     uint32
	PeerIDs      map[netip.Addr]struct{}
	PeerSourceID uint32
	Kind         RecordKind
	PathPattern  *regexp.Regexp
}

// NewFilters compiles the record predicates of a resolved spec.
func NewFilters(spec FilterSpec) (*Filters, error) {
	f := &Filters{
		TimeStart:    spec.TimeStart,
		TimeEnd:      spec.TimeEnd,
		IncludeSuper: spec.IncludeSuper,
		IncludeSub:   spec.IncludeSub,
		OriginID:     spec.OriginID,
		PeerSourceID: spec.PeerSourceID,
		Kind:         spec.RecordKind,
	}

	if spec.Prefix != "" {
		p, err := netip.ParsePrefix(spec.Prefix)
		if err != nil {
			return nil, fmt.Errorf("cannot parse prefix %q: %w", spec.Prefix, err)
		}
		f.Prefix = p.Masked()
	}

	if len(spec.PeerIDs) > 0 {
		f.PeerIDs = make(map[netip.Addr]struct{}, len(spec.PeerIDs))
		for _, s := range spec.PeerIDs {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("cannot parse peer address %q: %w", s, err)
			}
			f.PeerIDs[addr.Unmap()] = struct{}{}
		}
	}

	if spec.PathPattern != "" {
		re, err := regexp.Compile(spec.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("cannot compile path pattern: %w", err)
		}
		f.PathPattern = re
	}

	return f, nil
}

// Match reports whether the record passes every configured predicate.
func (f *Filters) Match(r *Record) bool {
	if f == nil {
		return true
	}

	if !f.TimeStart.IsZero() && r.Timestamp.Before(f.TimeStart) {
		return false
	}

	if !f.TimeEnd.IsZero() && r.Timestamp.After(f.TimeEnd) {
		return false
	}

	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}

	if f.PeerSourceID != 0 && r.PeerID != f.PeerSourceID {
		return false
	}

	if len(f.PeerIDs) > 0 {
		if _, ok := f.PeerIDs[r.PeerAddress.Unmap()]; !ok {
			return false
		}
	}

	if f.Prefix.IsValid() && !f.matchPrefix(r.Prefix) {
		return false
	}

	if f.OriginID != 0 && !containsID(r.OriginIDs, f.OriginID) {
		return false
	}

	if f.PathPattern != nil && !f.PathPattern.MatchString(FormatPath(r.Path)) {
		return false
	}

	return true
}

func (f *Filters) matchPrefix(p netip.Prefix) bool {
	if !p.IsValid() {
		return false
	}

	p = p.Masked()
	if p == f.Prefix {
		return true
	}

	if p.Addr().Is4() != f.Prefix.Addr().Is4() {
		return false
	}

	// Record prefix is a less specific covering the filter prefix.
	if f.IncludeSuper && p.Bits() < f.Prefix.Bits() && p.Contains(f.Prefix.Addr()) {
		return true
	}

	// Record prefix is a more specific inside the filter prefix.
	if f.IncludeSub && p.Bits() > f.Prefix.Bits() && f.Prefix.Contains(p.Addr()) {
		return true
	}

	return false
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}

	return false
}

// FormatPath joins hop ids with single spaces, the form path patterns match against.
func FormatPath(path []uint32) string {
	var b strings.Builder
	for i, hop := range path {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(uint64(hop), 10))
	}

	return b.String()
}
