package clock

import (
	"math"
	"time"
)

// SyncClock tracks the offset, round-trip latency, and jitter estimate
// between the local process and one remote peer, as maintained by the
// periodic ping exchange on a Link (spec.md §4.8).
//
// All mutation happens on the device's single poll goroutine; like
// bfd.Session, SyncClock carries no internal locking of its own.
type SyncClock struct {
	// Offset is the current best estimate of (remote clock - local clock).
	Offset time.Duration

	// Latency is the current best estimate of one-way network latency.
	Latency time.Duration

	// Jitter is the exponentially-weighted mean absolute latency deviation.
	Jitter time.Duration

	// haveSample is true once at least one ping round trip has completed.
	haveSample bool

	// sentMsgID is the discriminator of the last /ping sent to this peer.
	sentMsgID int32

	// sentTime records, per msg id, when that ping was sent, so the round
	// trip can be resolved when the matching reply arrives.
	sentTime map[int32]time.Time

	// lastSeenPeerMsgID is the last ping id this peer is known to have
	// received from us, echoed back in its own /ping messages.
	lastSeenPeerMsgID int32

	// lastRecv is the wall-clock time the last /ping was received from
	// this peer. Used by the link-timeout watchdog.
	lastRecv time.Time

	// expired marks a peer that missed one full TIMEOUT_SEC window; the
	// link is dropped if it misses a second window (spec.md §4.8).
	expired bool
}

// NewSyncClock returns a freshly initialized SyncClock with no samples.
func NewSyncClock() *SyncClock {
	return &SyncClock{sentMsgID: 1, sentTime: make(map[int32]time.Time)}
}

// jitterWeight is the exponential smoothing factor applied to new jitter
// and blended-latency samples (spec.md §4.8: "jitter = 0.9*jitter +
// 0.1*|latency - new_latency|").
const jitterWeight = 0.1

// NextPing allocates the next outgoing ping id, records the send time for
// round-trip resolution, and returns (msgID, lastSeenPeerMsgID) to place on
// the wire as `/ping <dev_id> <sent_msg_id> <last_seen_peer_msg_id> <elapsed>`.
func (c *SyncClock) NextPing(now time.Time) (msgID, lastSeen int32) {
	c.sentMsgID++
	if c.sentMsgID == 0 {
		c.sentMsgID = 1
	}
	c.sentTime[c.sentMsgID] = now
	c.pruneInFlight()
	return c.sentMsgID, c.lastSeenPeerMsgID
}

// maxInFlightPings bounds the sentTime map so a peer that never replies
// cannot grow it unboundedly.
const maxInFlightPings = 64

// RecvPing resolves a /ping reply. msgID is the peer's own outgoing ping id
// (recorded as lastSeenPeerMsgID for our next outgoing ping); ourEchoedID is
// the id the peer claims was our last message it saw; peerElapsed is the
// peer-reported elapsed time between receiving our ping and sending this
// one. now is the local receive time and bundleTime is the OSC bundle
// timetag this message arrived in, used to estimate offset.
func (c *SyncClock) RecvPing(msgID, ourEchoedID int32, peerElapsed time.Duration, now time.Time, bundleTime Time) {
	c.lastSeenPeerMsgID = msgID
	c.lastRecv = now
	c.expired = false

	sent, ok := c.sentTime[ourEchoedID]
	if !ok {
		c.pruneInFlight()
		return
	}
	delete(c.sentTime, ourEchoedID)
	c.pruneInFlight()

	elapsedTotal := now.Sub(sent)
	oneWay := (elapsedTotal - peerElapsed) / 2
	if oneWay < 0 {
		oneWay = 0
	}

	offset := now.Sub(durApprox(bundleTime.AsDuration()).toTimeApprox()) - oneWay
	c.applySample(offset, oneWay)
}

// pruneInFlight drops the oldest outstanding ping records once the map
// grows past maxInFlightPings, guarding against an unresponsive peer.
func (c *SyncClock) pruneInFlight() {
	for len(c.sentTime) > maxInFlightPings {
		var oldestID int32
		var oldestAt time.Time
		first := true
		for id, at := range c.sentTime {
			if first || at.Before(oldestAt) {
				oldestID, oldestAt, first = id, at, false
			}
		}
		delete(c.sentTime, oldestID)
	}
}

// applySample folds one (offset, latency) observation into the running
// estimate, per spec.md §4.8:
//
//	first sample:      offset, latency set directly, jitter = 0
//	offset increases:  adopt immediately (remote clock ran ahead)
//	latency in bounds: blend both with a 0.1 factor
func (c *SyncClock) applySample(offset, latency time.Duration) {
	if !c.haveSample {
		c.Offset = offset
		c.Latency = latency
		c.Jitter = 0
		c.haveSample = true
		return
	}

	c.Jitter = time.Duration(0.9*float64(c.Jitter) + jitterWeight*math.Abs(float64(latency-c.Latency)))

	if offset > c.Offset {
		c.Offset = offset
		c.Latency = latency
		return
	}

	if latency >= c.Latency-c.Jitter && latency <= c.Latency+c.Jitter {
		c.Offset = blend(c.Offset, offset)
		c.Latency = blend(c.Latency, latency)
	}
}

func blend(current, sample time.Duration) time.Duration {
	return current + time.Duration(jitterWeight*float64(sample-current))
}

// HaveSample reports whether at least one ping round trip has completed.
func (c *SyncClock) HaveSample() bool { return c.haveSample }

// SinceLastPing returns the elapsed wall-clock time since the last /ping
// was received from this peer.
func (c *SyncClock) SinceLastPing(now time.Time) time.Duration {
	if c.lastRecv.IsZero() {
		return math.MaxInt64
	}
	return now.Sub(c.lastRecv)
}

// MarkTentativelyExpired records that no ping has been seen for one full
// timeout window (spec.md §4.8). Returns the previous expired state so the
// caller can distinguish a fresh warning from a repeat.
func (c *SyncClock) MarkTentativelyExpired() (wasAlready bool) {
	wasAlready = c.expired
	c.expired = true
	return wasAlready
}

// Expired reports whether the peer has already missed one timeout window.
func (c *SyncClock) Expired() bool { return c.expired }

// RemoteToLocal converts a timestamp expressed in the remote peer's clock
// into the local clock's frame, using the current offset estimate.
func (c *SyncClock) RemoteToLocal(remote Time) Time {
	return FromDuration(remote.AsDuration() - c.Offset)
}

// durApprox is a helper type so Time.AsDuration results compose with
// time.Time arithmetic in RecvPing without a second epoch concept leaking
// into the public API.
type durApprox time.Duration

func (d durApprox) toTimeApprox() time.Time {
	return processEpoch.Add(time.Duration(d))
}
