package sink

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const (
	FieldKind           = "kind"
	FieldTimestamp      = "timestamp"
	FieldSourceID       = "source_id"
	FieldPeerAddress    = "peer_address"
	FieldPeerID         = "peer_id"
	FieldPrefix         = "prefix"
	FieldPath           = "path"
	FieldOriginIDs      = "origin_ids"
	FieldOrigin         = "origin"
	FieldNextHop        = "next_hop"
	FieldLocalPref      = "local_pref"
	FieldMED            = "med"
	FieldCommunities    = "communities"
	FieldAtomic         = "atomic"
	FieldAggregatorID   = "aggregator_id"
	FieldAggregatorAddr = "aggregator_addr"
)

// DefaultFields is the pipe-format column order when no fields are selected.
var DefaultFields = []string{
	FieldKind, FieldTimestamp, FieldPeerAddress, FieldPeerID, FieldPrefix, FieldPath, FieldOrigin,
	FieldNextHop, FieldLocalPref, FieldMED, FieldCommunities, FieldAtomic, FieldAggregatorID, FieldAggregatorAddr,
}

var knownFields = map[string]struct{}{
	FieldKind: {}, FieldTimestamp: {}, FieldSourceID: {}, FieldPeerAddress: {}, FieldPeerID: {},
	FieldPrefix: {}, FieldPath: {}, FieldOriginIDs: {}, FieldOrigin: {}, FieldNextHop: {},
	FieldLocalPref: {}, FieldMED: {}, FieldCommunities: {}, FieldAtomic: {}, FieldAggregatorID: {},
	FieldAggregatorAddr: {},
}

// ParseFields splits a comma separated field list and checks every name.
func ParseFields(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var fields []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if _, ok := knownFields[f]; !ok {
			return nil, common.ValidationError("fields", fmt.Errorf("unknown field %q", f))
		}
		fields = append(fields, f)
	}

	return fields, nil
}

// fieldValue returns a JSON friendly value of one field.
func fieldValue(rec *entity.Record, sourceID, field string) any {
	switch field {
	case FieldKind:
		return string(rec.Kind)
	case FieldTimestamp:
		return rec.Timestamp.UTC().Format(time.RFC3339Nano)
	case FieldSourceID:
		return sourceID
	case FieldPeerAddress:
		return addr(rec.PeerAddress)
	case FieldPeerID:
		return rec.PeerID
	case FieldPrefix:
		return rec.Prefix.String()
	case FieldPath:
		return entity.FormatPath(rec.Path)
	case FieldOriginIDs:
		return entity.FormatPath(rec.OriginIDs)
	case FieldOrigin:
		return rec.Origin
	case FieldNextHop:
		return addr(rec.NextHop)
	case FieldLocalPref:
		return rec.LocalPref
	case FieldMED:
		return rec.MED
	case FieldCommunities:
		return strings.Join(rec.Communities, " ")
	case FieldAtomic:
		return rec.Atomic
	case FieldAggregatorID:
		return rec.AggregatorID
	case FieldAggregatorAddr:
		return addr(rec.AggregatorAddr)
	default:
		return nil
	}
}

// fieldText is the pipe-format rendering of one field.
func fieldText(rec *entity.Record, sourceID, field string) string {
	switch v := fieldValue(rec, sourceID, field).(type) {
	case string:
		return v
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case *uint32:
		if v == nil {
			return ""
		}

		return strconv.FormatUint(uint64(*v), 10)
	case bool:
		if v {
			return "AG"
		}

		return "NAG"
	default:
		return ""
	}
}

func addr(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}

	return a.String()
}
