package entity

import (
	"net/netip"
	"time"
)

// Record is one decoded routing announcement or withdrawal.
type Record struct {
	Timestamp   time.Time    `json:"timestamp" cbor:"1,keyasint"`
	Kind        RecordKind   `json:"kind" cbor:"2,keyasint"`
	PeerAddress netip.Addr   `json:"peer_address" cbor:"3,keyasint"`
	PeerID      uint32       `json:"peer_id" cbor:"4,keyasint"`
	Prefix      netip.Prefix `json:"prefix" cbor:"5,keyasint"`
	NextHop     netip.Addr   `json:"next_hop,omitzero" cbor:"6,keyasint"`
	Path        []uint32     `json:"path,omitempty" cbor:"7,keyasint,omitempty"`
	OriginIDs   []uint32     `json:"origin_ids,omitempty" cbor:"8,keyasint,omitempty"`

	Origin         string     `json:"origin,omitempty" cbor:"9,keyasint,omitempty"`
	LocalPref      *uint32    `json:"local_pref,omitempty" cbor:"10,keyasint,omitempty"`
	MED            *uint32    `json:"med,omitempty" cbor:"11,keyasint,omitempty"`
	Communities    []string   `json:"communities,omitempty" cbor:"12,keyasint,omitempty"`
	Atomic         bool       `json:"atomic,omitempty" cbor:"13,keyasint,omitempty"`
	AggregatorID   *uint32    `json:"aggregator_id,omitempty" cbor:"14,keyasint,omitempty"`
	AggregatorAddr netip.Addr `json:"aggregator_addr,omitzero" cbor:"15,keyasint"`
}

// TaggedRecord is a record together with the source id of the file it came from.
type TaggedRecord struct {
	Record   *Record
	SourceID string
}
