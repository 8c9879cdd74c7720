package network

import (
	"encoding/binary"
	"fmt"

	"github.com/libmapper/mapperd/internal/clock"
)

// bundleTag is the fixed 8-byte OSC bundle marker.
const bundleTag = "#bundle\x00"

// EncodeBundle frames a batch of already-encoded OSC messages into a
// single OSC bundle stamped with t, matching spec.md §6.1 ("bundles ...
// carry a 64-bit NTP timestamp"). Called by the link layer when flushing
// more than one queued message at once (spec.md §4.1).
func EncodeBundle(t clock.Time, msgs [][]byte) []byte {
	out := make([]byte, 0, 16+bundleSize(msgs))
	out = append(out, bundleTag...)
	var tt [8]byte
	binary.BigEndian.PutUint32(tt[0:4], t.Sec)
	binary.BigEndian.PutUint32(tt[4:8], t.Frac)
	out = append(out, tt[:]...)
	for _, m := range msgs {
		var sz [4]byte
		binary.BigEndian.PutUint32(sz[:], uint32(len(m)))
		out = append(out, sz[:]...)
		out = append(out, m...)
	}
	return out
}

func bundleSize(msgs [][]byte) int {
	n := 0
	for _, m := range msgs {
		n += 4 + len(m)
	}
	return n
}

// IsBundle reports whether data is framed as an OSC bundle rather than a
// single message.
func IsBundle(data []byte) bool {
	return len(data) >= len(bundleTag) && string(data[:len(bundleTag)]) == bundleTag
}

// DecodeBundle unframes a bundle into its timestamp and the ordered list
// of raw per-message payloads. Elements may themselves be nested bundles;
// callers recurse via IsBundle (spec.md §5 "within one OSC bundle,
// messages are processed in order").
func DecodeBundle(data []byte) (clock.Time, [][]byte, error) {
	if !IsBundle(data) {
		return clock.Time{}, nil, fmt.Errorf("%w: missing #bundle marker", ErrMalformedMessage)
	}
	rest := data[len(bundleTag):]
	if len(rest) < 8 {
		return clock.Time{}, nil, fmt.Errorf("%w: truncated bundle timetag", ErrMalformedMessage)
	}
	t := clock.Time{Sec: binary.BigEndian.Uint32(rest[0:4]), Frac: binary.BigEndian.Uint32(rest[4:8])}
	rest = rest[8:]

	var msgs [][]byte
	for len(rest) > 0 {
		if len(rest) < 4 {
			return clock.Time{}, nil, fmt.Errorf("%w: truncated bundle element size", ErrMalformedMessage)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return clock.Time{}, nil, fmt.Errorf("%w: bundle element overruns buffer", ErrMalformedMessage)
		}
		msgs = append(msgs, rest[:n])
		rest = rest[n:]
	}
	return t, msgs, nil
}
