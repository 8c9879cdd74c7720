// Package network implements the two OSC transports spec.md §4.1
// describes (the multicast discovery bus and the unicast mesh), the
// per-signal UDP/TCP data servers of §6.2, and the path-dispatch table
// that the device poll loop consults for every recognized message name.
// The OSC serialization format itself is an external collaborator per
// spec.md §1 ("the specific OSC serialization library" is out of scope);
// this package hand-rolls a wire-compatible encoder/decoder over
// encoding/binary since no ready-made OSC library is available.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

// ErrMalformedMessage is returned by Decode when the buffer is not a
// well-formed OSC message (spec.md §7 "ProtocolParse").
var ErrMalformedMessage = errors.New("network: malformed OSC message")

// Message is one parsed OSC message: a path plus its typed argument list
// (spec.md §6.1 "Key message schemas").
type Message struct {
	Path string
	Args []oscmsg.Atom

	// RecvTime is the OSC bundle timetag this message arrived under (or
	// the local receive time, for a message sent unbundled), stamped by
	// Dispatcher.DispatchRaw. Handlers that need the sender's notion of
	// "when" for clock-sync or history timestamps read this instead of
	// taking a fresh clock.Now() (spec.md §4.8, §6.1).
	RecvTime clock.Time
}

// pad4 returns n rounded up to the next multiple of 4, OSC's alignment
// requirement for strings and blobs.
func pad4(n int) int { return (n + 3) &^ 3 }

func putString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func getString(data []byte) (string, []byte, error) {
	end := -1
	for i, b := range data {
		if b == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated string", ErrMalformedMessage)
	}
	s := string(data[:end])
	n := pad4(end + 1)
	if n > len(data) {
		return "", nil, fmt.Errorf("%w: string padding overruns buffer", ErrMalformedMessage)
	}
	return s, data[n:], nil
}

// Encode serializes m into an OSC message: a padded path string, a
// padded comma-prefixed type-tag string, then each argument's payload in
// order (spec.md §6.1).
func (m Message) Encode() ([]byte, error) {
	if !strings.HasPrefix(m.Path, "/") {
		return nil, fmt.Errorf("%w: path %q must start with /", ErrMalformedMessage, m.Path)
	}
	var out []byte
	out = putString(out, m.Path)

	tags := make([]byte, 0, len(m.Args)+1)
	tags = append(tags, ',')
	for _, a := range m.Args {
		tags = append(tags, byte(a.Tag))
	}
	out = putString(out, string(tags))

	for _, a := range m.Args {
		var err error
		out, err = appendAtomPayload(out, a)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendAtomPayload(out []byte, a oscmsg.Atom) ([]byte, error) {
	switch a.Tag {
	case oscmsg.TagInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(a.Num)))
		return append(out, b[:]...), nil
	case oscmsg.TagInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(a.Int64()))
		return append(out, b[:]...), nil
	case oscmsg.TagFloat32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], float32Bits(a.Num))
		return append(out, b[:]...), nil
	case oscmsg.TagFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], float64Bits(a.Num))
		return append(out, b[:]...), nil
	case oscmsg.TagString, oscmsg.TagSymbol:
		return putString(out, a.String), nil
	case oscmsg.TagChar:
		var b [4]byte
		b[3] = byte(a.Num)
		return append(out, b[:]...), nil
	case oscmsg.TagTimetag:
		var b [8]byte
		t := clock.FromDouble(a.Num)
		binary.BigEndian.PutUint32(b[0:4], t.Sec)
		binary.BigEndian.PutUint32(b[4:8], t.Frac)
		return append(out, b[:]...), nil
	case oscmsg.TagTrue, oscmsg.TagFalse, oscmsg.TagNull:
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported tag %q", ErrMalformedMessage, a.Tag)
	}
}

// Decode parses a raw OSC message back into a Message.
func Decode(data []byte) (Message, error) {
	path, rest, err := getString(data)
	if err != nil {
		return Message{}, fmt.Errorf("decode path: %w", err)
	}
	tagStr, rest, err := getString(rest)
	if err != nil {
		return Message{}, fmt.Errorf("decode type tags: %w", err)
	}
	if !strings.HasPrefix(tagStr, ",") {
		return Message{}, fmt.Errorf("%w: type tag string missing leading comma", ErrMalformedMessage)
	}
	tags := tagStr[1:]

	args := make([]oscmsg.Atom, 0, len(tags))
	for _, tag := range []byte(tags) {
		var a oscmsg.Atom
		a.Tag = oscmsg.Tag(tag)
		switch a.Tag {
		case oscmsg.TagInt32:
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("%w: truncated int32", ErrMalformedMessage)
			}
			a.Num = float64(int32(binary.BigEndian.Uint32(rest[:4])))
			rest = rest[4:]
		case oscmsg.TagInt64:
			if len(rest) < 8 {
				return Message{}, fmt.Errorf("%w: truncated int64", ErrMalformedMessage)
			}
			a.Int = int64(binary.BigEndian.Uint64(rest[:8]))
			a.Num = float64(a.Int)
			rest = rest[8:]
		case oscmsg.TagFloat32:
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("%w: truncated float32", ErrMalformedMessage)
			}
			a.Num = float64(float32FromBits(binary.BigEndian.Uint32(rest[:4])))
			rest = rest[4:]
		case oscmsg.TagFloat64:
			if len(rest) < 8 {
				return Message{}, fmt.Errorf("%w: truncated float64", ErrMalformedMessage)
			}
			a.Num = float64FromBits(binary.BigEndian.Uint64(rest[:8]))
			rest = rest[8:]
		case oscmsg.TagString, oscmsg.TagSymbol:
			var s string
			var err error
			s, rest, err = getString(rest)
			if err != nil {
				return Message{}, fmt.Errorf("decode string arg: %w", err)
			}
			a.String = s
		case oscmsg.TagChar:
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("%w: truncated char", ErrMalformedMessage)
			}
			a.Num = float64(rest[3])
			rest = rest[4:]
		case oscmsg.TagTimetag:
			if len(rest) < 8 {
				return Message{}, fmt.Errorf("%w: truncated timetag", ErrMalformedMessage)
			}
			t := clock.Time{Sec: binary.BigEndian.Uint32(rest[0:4]), Frac: binary.BigEndian.Uint32(rest[4:8])}
			a.Num = t.AsDouble()
			rest = rest[8:]
		case oscmsg.TagTrue:
			a.Bool = true
		case oscmsg.TagFalse:
			a.Bool = false
		case oscmsg.TagNull:
			// no payload
		default:
			return Message{}, fmt.Errorf("%w: unsupported tag %q", ErrMalformedMessage, tag)
		}
		args = append(args, a)
	}
	return Message{Path: path, Args: args}, nil
}
