// Package link implements the bidirectional channel between two devices:
// transport addresses, the per-link sync clock, outbound bundle queues,
// and map-count bookkeeping (spec.md §3 Link entity, §4.8).
package link

import (
	"log/slog"
	"time"

	"github.com/libmapper/mapperd/internal/clock"
)

// TimeoutSec is the default link-dead threshold after which a silent peer
// is marked tentatively expired, and again removed (spec.md §4.8,
// §6.3 "peer ping timeout"). SetTimeout overrides it per link with the
// configured value.
const TimeoutSec = 10 * time.Second

// Addresses holds a link's three OSC transport endpoints (spec.md §3 Link
// entity "three addresses").
type Addresses struct {
	Admin   string // mesh admin address used for handshakes
	UDPData string
	TCPData string
}

// Link is the per-peer-pair channel (spec.md §3).
type Link struct {
	ID uint64

	LocalDevice, RemoteDevice string
	Addr                      Addresses

	Clock *clock.SyncClock

	// NumMapsOut / NumMapsIn count active maps whose traffic crosses this
	// link in each direction (Invariant 7).
	NumMapsOut, NumMapsIn int

	pendingBundle [][]byte
	bundleBytes   int

	timeout time.Duration

	// Log is this link's per-peer logger, derived via logger.With(...) the
	// way bfd.Session derives its per-peer logger. Nil until SetLogger is
	// called, in which case log calls are skipped.
	Log *slog.Logger
}

// SetLogger installs l's per-peer logger, derived from log with the link's
// remote device name attached.
func (l *Link) SetLogger(log *slog.Logger) {
	if log == nil {
		return
	}
	l.Log = log.With(slog.String("component", "link"), slog.String("peer", l.RemoteDevice))
}

// BundleFlushThreshold is the max accumulated bundle size before a flush
// is forced (spec.md §4.1, §6.3 "bundle flush threshold").
const BundleFlushThreshold = 8192

// New returns a link between local and remote, with a fresh sync clock
// and the default peer-ping timeout.
func New(id uint64, local, remote string, addr Addresses) *Link {
	return &Link{ID: id, LocalDevice: local, RemoteDevice: remote, Addr: addr, Clock: clock.NewSyncClock(), timeout: TimeoutSec}
}

// SetTimeout installs the configured peer-ping timeout (spec.md §6.3
// "peer ping timeout"); non-positive values keep the default.
func (l *Link) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Timeout returns the link's effective peer-ping timeout.
func (l *Link) Timeout() time.Duration { return l.timeout }

// Enqueue appends a pre-encoded OSC message to the link's pending bundle,
// returning true if the caller should flush now because the threshold
// would otherwise be exceeded (spec.md §4.1 "flushed when the bundle size
// would exceed 8 KiB").
func (l *Link) Enqueue(msg []byte) (shouldFlush bool) {
	if l.bundleBytes+len(msg) > BundleFlushThreshold && len(l.pendingBundle) > 0 {
		return true
	}
	l.pendingBundle = append(l.pendingBundle, msg)
	l.bundleBytes += len(msg)
	return l.bundleBytes > BundleFlushThreshold
}

// TakeBundle returns and clears the pending message list (spec.md §4.1 "a
// destination-less flush is a no-op": callers should not call TakeBundle
// when there is nothing queued).
func (l *Link) TakeBundle() [][]byte {
	if len(l.pendingBundle) == 0 {
		return nil
	}
	msgs := l.pendingBundle
	l.pendingBundle = nil
	l.bundleBytes = 0
	return msgs
}

// Expiry reflects the two-stage timeout in spec.md §4.8: "If no ping has
// been received for TIMEOUT_SEC, mark the peer tentatively expired ...
// If still silent after another TIMEOUT_SEC, remove the link."
type Expiry uint8

const (
	Alive Expiry = iota
	TentativelyExpired
	Dead
)

// CheckExpiry inspects the link's sync clock against now and returns its
// expiry stage, advancing the clock's tentative-expiry bookkeeping as a
// side effect.
func (l *Link) CheckExpiry(now time.Time) Expiry {
	since := l.Clock.SinceLastPing(now)
	if !l.Clock.Expired() {
		if since < l.timeout {
			return Alive
		}
		wasAlready := l.Clock.MarkTentativelyExpired()
		if !wasAlready && l.Log != nil {
			l.Log.Warn("link tentatively expired: no ping received", slog.Duration("since", since))
		}
		return TentativelyExpired
	}
	if since >= 2*l.timeout {
		if l.Log != nil {
			l.Log.Warn("link dead: no ping received for two timeout windows", slog.Duration("since", since))
		}
		return Dead
	}
	return TentativelyExpired
}
