// Package signal implements the typed, possibly vector-valued, possibly
// multi-instance signal data model (spec.md §3 Signal/Instance entities,
// §4.4).
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/libmapper/mapperd/internal/clock"
	"github.com/libmapper/mapperd/internal/history"
	"github.com/libmapper/mapperd/internal/oscmsg"
)

// Direction is a signal's data-flow role.
type Direction uint8

const (
	Input Direction = iota
	Output
	Both
)

// StealMode governs which active instance is evicted when a new global id
// needs a home and the instance table is full (spec.md §4.4).
type StealMode uint8

const (
	StealNone StealMode = iota
	StealOldest
	StealNewest
)

// ErrLengthExceeded is returned by SetValue when val is longer than the
// signal's declared vector length.
var ErrLengthExceeded = errors.New("signal: value length exceeds signal length")

// ErrTypeMismatch is returned by SetValue when val's type does not match
// the signal's declared scalar type (spec.md §7 "TypeMismatch").
var ErrTypeMismatch = errors.New("signal: type mismatch")

// ErrNoFreeInstance is returned by Reserve when the instance table is full
// and the steal policy is none, so the caller can distinguish exhaustion
// from other failures with errors.Is.
var ErrNoFreeInstance = errors.New("signal: no free instance and steal policy is none")

// Instance is one element of a signal's fixed-size instance table
// (spec.md §3 Instance entity).
type Instance struct {
	LocalID  uint64
	Value    []float64
	HasValue []bool
	LastTime clock.Time
	Active   bool

	// ReleasedLocally / ReleasedRemotely mirror the owning id-map entry's
	// flags for quick local inspection (Invariant 6).
	ReleasedLocally  bool
	ReleasedRemotely bool

	history *history.Buffer
}

// FullyValued reports whether every vector element has received a value
// (spec.md §4.4 "if all has-value bits are set, marks instance as has full
// value").
func (in *Instance) FullyValued() bool {
	for _, v := range in.HasValue {
		if !v {
			return false
		}
	}
	return true
}

// History returns the instance's value history buffer, if one has been
// attached by an owning slot.
func (in *Instance) History() *history.Buffer { return in.history }

// AttachHistory installs h as the instance's value history; called by the
// slot that owns this signal's local history.
func (in *Instance) AttachHistory(h *history.Buffer) { in.history = h }

// Signal is a typed vector signal hosted on one device (spec.md §3).
type Signal struct {
	Name      string
	Direction Direction
	Type      oscmsg.Tag
	Length    int
	Unit      string
	Min, Max  []float64
	Rate      float64
	Ephemeral bool
	UseInst   bool
	Steal     StealMode

	NumInstances int
	instances    []*Instance

	// UpdateHandler, if set, is invoked after a local instance's value
	// changes (spec.md §3 "update handler").
	UpdateHandler func(inst *Instance)

	avgPeriod time.Duration
	jitter    time.Duration
	lastSet   time.Time
	haveLast  bool
}

// New returns a signal with a reserved instance pool of size numInstances
// (at least 1).
func New(name string, dir Direction, typ oscmsg.Tag, length, numInstances int) *Signal {
	if numInstances < 1 {
		numInstances = 1
	}
	if length < 1 {
		length = 1
	}
	s := &Signal{
		Name: name, Direction: dir, Type: typ, Length: length,
		NumInstances: numInstances,
	}
	for i := 0; i < numInstances; i++ {
		s.instances = append(s.instances, &Instance{
			Value:    make([]float64, length),
			HasValue: make([]bool, length),
		})
	}
	return s
}

// Instances returns the signal's instance table.
func (s *Signal) Instances() []*Instance { return s.instances }

// InstanceByLocalID returns the active instance with the given local id.
func (s *Signal) InstanceByLocalID(lid uint64) (*Instance, bool) {
	for _, in := range s.instances {
		if in.Active && in.LocalID == lid {
			return in, true
		}
	}
	return nil, false
}

// Reserve finds a free (inactive) instance slot and activates it for lid,
// applying the steal policy if the table is full (spec.md §4.4 "steal
// policy").
func (s *Signal) Reserve(lid uint64, now time.Time) (*Instance, error) {
	if in, ok := s.InstanceByLocalID(lid); ok {
		return in, nil
	}
	for _, in := range s.instances {
		if !in.Active {
			in.LocalID = lid
			in.Active = true
			in.ReleasedLocally = false
			in.ReleasedRemotely = false
			for i := range in.HasValue {
				in.HasValue[i] = false
			}
			return in, nil
		}
	}
	victim := s.selectVictim()
	if victim == nil {
		return nil, fmt.Errorf("%w: signal %q", ErrNoFreeInstance, s.Name)
	}
	victim.LocalID = lid
	victim.ReleasedLocally = false
	victim.ReleasedRemotely = false
	for i := range victim.HasValue {
		victim.HasValue[i] = false
	}
	return victim, nil
}

func (s *Signal) selectVictim() *Instance {
	switch s.Steal {
	case StealOldest:
		var oldest *Instance
		for _, in := range s.instances {
			if oldest == nil || in.LastTime.Before(oldest.LastTime) {
				oldest = in
			}
		}
		return oldest
	case StealNewest:
		var newest *Instance
		for _, in := range s.instances {
			if newest == nil || in.LastTime.After(newest.LastTime) {
				newest = in
			}
		}
		return newest
	default:
		return nil
	}
}

// SetValue applies a (possibly partial) value update at offset 0 to the
// instance identified by lid, reserving it if needed, updating
// period/jitter statistics, and invoking UpdateHandler (spec.md §4.4
// "set_value").
func (s *Signal) SetValue(lid uint64, typ oscmsg.Tag, val []float64, now time.Time, t clock.Time) error {
	if len(val) > s.Length {
		return ErrLengthExceeded
	}
	if typ != s.Type {
		return ErrTypeMismatch
	}
	in, err := s.Reserve(lid, now)
	if err != nil {
		return err
	}
	for i, v := range val {
		in.Value[i] = v
		in.HasValue[i] = true
	}
	in.LastTime = t
	s.updatePeriodStats(now)
	if s.UpdateHandler != nil {
		s.UpdateHandler(in)
	}
	return nil
}

// updatePeriodStats maintains exponentially-weighted period/jitter
// estimates between consecutive updates, mirroring the clock-sync
// smoothing used for link pings (spec.md §4.4 "Signal-periodic
// statistics").
func (s *Signal) updatePeriodStats(now time.Time) {
	if !s.haveLast {
		s.lastSet = now
		s.haveLast = true
		return
	}
	interval := now.Sub(s.lastSet)
	s.lastSet = now
	if s.avgPeriod == 0 {
		s.avgPeriod = interval
		s.jitter = 0
		return
	}
	delta := interval - s.avgPeriod
	if delta < 0 {
		delta = -delta
	}
	s.jitter = time.Duration(0.9*float64(s.jitter) + 0.1*float64(delta))
	s.avgPeriod = time.Duration(0.9*float64(s.avgPeriod) + 0.1*float64(interval))
}

// Period returns the exponentially-weighted average update interval.
func (s *Signal) Period() time.Duration { return s.avgPeriod }

// Jitter returns the exponentially-weighted update-interval jitter.
func (s *Signal) Jitter() time.Duration { return s.jitter }

// Release marks the instance released-locally (spec.md §4.4 "release").
// The caller (router) is responsible for forwarding a null-vector message
// to outgoing maps in scope; this call only updates local bookkeeping.
func (s *Signal) Release(lid uint64, t clock.Time) {
	in, ok := s.InstanceByLocalID(lid)
	if !ok {
		return
	}
	in.ReleasedLocally = true
	in.LastTime = t
	if in.ReleasedRemotely {
		in.Active = false
	}
}

// ReleaseRemote marks the instance released from the remote side.
func (s *Signal) ReleaseRemote(lid uint64) {
	in, ok := s.InstanceByLocalID(lid)
	if !ok {
		return
	}
	in.ReleasedRemotely = true
	if in.ReleasedLocally {
		in.Active = false
	}
}
