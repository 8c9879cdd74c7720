// Package device implements the device aggregate: distributed name
// allocation, subscriber bookkeeping, and the poll loop
// (spec.md §3 Device entity, §4.2, §4.3, §4.10).
package device

import (
	"hash/crc32"
	"math/rand"
	"strconv"
	"time"
)

// namingState is the allocator's position in the probing protocol
// (spec.md §4.2).
type namingState uint8

const (
	probing namingState = iota
	locked
)

// collisionWindow is how long collisions accumulate before the allocator
// decides to reprobe or lock (spec.md §4.2 step 4).
const collisionWindow = 2 * time.Second

// onlineGraceWindow is how long the allocator waits for any probe reply
// before reprobing with the same ordinal, to survive a lost first probe
// (spec.md §4.2 step 4).
const onlineGraceWindow = 5 * time.Second

// NameAllocator runs the distributed name-allocation protocol for one
// device (spec.md §4.2).
type NameAllocator struct {
	Prefix  string
	Ordinal int

	NumLocalDevices int // used to scale the reprobe jitter (step 4)
	rng             *rand.Rand

	state          namingState
	randomID       int32
	probeTime      time.Time
	collisionCount int
	online         bool
	hints          [8]bool

	// OnProbe is called when the allocator needs to send /name/probe.
	OnProbe func(name string, randomID int32)
	// OnRegistered is called when the allocator needs to reply
	// /name/registered, or to announce its own lock.
	OnRegistered func(name string, randomID int32, suggested int32)
}

// NewNameAllocator returns an allocator seeded with prefix/ordinal=1.
func NewNameAllocator(prefix string, numLocalDevices int, seed int64) *NameAllocator {
	if numLocalDevices < 1 {
		numLocalDevices = 1
	}
	a := &NameAllocator{Prefix: prefix, Ordinal: 1, NumLocalDevices: numLocalDevices, rng: rand.New(rand.NewSource(seed))}
	return a
}

// Name returns the candidate or locked name "prefix.ordinal".
func (a *NameAllocator) Name() string {
	return a.Prefix + "." + strconv.Itoa(a.Ordinal)
}

// ID returns crc32(name) << 32, matching Invariant 1's device id
// derivation.
func ID(name string) uint64 {
	return uint64(crc32.ChecksumIEEE([]byte(name))) << 32
}

// Locked reports whether the allocator has locked its ordinal.
func (a *NameAllocator) Locked() bool { return a.state == locked }

// Start enters the probing state for the current ordinal (spec.md §4.2
// step 1).
func (a *NameAllocator) Start(now time.Time) {
	a.state = probing
	a.randomID = a.rng.Int31()
	a.hints = [8]bool{}
	a.collisionCount = 0
	a.online = false
	a.probeTime = now
	if a.OnProbe != nil {
		a.OnProbe(a.Name(), a.randomID)
	}
}

// HandleProbe processes an incoming /name/probe for name' with remote
// random id r' and optional ordinal hint (spec.md §4.2 step 2). An equal
// random id carrying a non-zero hint different from the current ordinal
// means a peer is steering this device to a free ordinal: adopt it and
// reprobe.
func (a *NameAllocator) HandleProbe(name string, r int32, hint int32) {
	if a.Locked() {
		return
	}
	if ID(name) != ID(a.Name()) {
		return
	}
	if r == a.randomID {
		if hint != 0 && int(hint) != a.Ordinal {
			a.Ordinal = int(hint)
			a.Start(a.probeTime)
		}
		return
	}
	if r < a.randomID {
		a.collisionCount++
		return
	}
	suggested := int32(a.Ordinal) + a.firstFreeHint() + 1
	if a.OnRegistered != nil {
		a.OnRegistered(a.Name(), r, suggested)
	}
}

// HandleRegistered processes an incoming /name/registered for name with
// remote random id r and suggested ordinal offset (spec.md §4.2 step 3).
func (a *NameAllocator) HandleRegistered(name string, r int32, suggested int32) {
	if a.Locked() {
		return
	}
	a.online = true
	if ID(name) != ID(a.Name()) {
		return
	}
	a.collisionCount++
	offset := suggested - int32(a.Ordinal) - 1
	if offset >= 0 && offset < 8 {
		a.hints[offset] = true
	}
}

func (a *NameAllocator) firstFreeHint() int32 {
	for i, taken := range a.hints {
		if !taken {
			return int32(i)
		}
	}
	return int32(len(a.hints))
}

// Poll drives the allocator's periodic decisions (spec.md §4.2 step 4).
// It should be called regularly (e.g. every poll cycle) while probing.
func (a *NameAllocator) Poll(now time.Time) {
	if a.Locked() {
		return
	}
	elapsed := now.Sub(a.probeTime)

	if a.collisionCount >= 2 && elapsed >= collisionWindow {
		a.Ordinal = a.Ordinal + int(a.firstFreeHint()) + 1 + a.rng.Intn(a.NumLocalDevices)
		a.Start(now)
		return
	}
	if elapsed >= collisionWindow {
		if a.collisionCount < 2 && a.online {
			a.lock(now)
			return
		}
	}
	if elapsed >= onlineGraceWindow && !a.online {
		a.Start(now)
	}
}

func (a *NameAllocator) lock(now time.Time) {
	a.state = locked
	if a.OnRegistered != nil {
		a.OnRegistered(a.Name(), a.randomID, 0)
	}
}
