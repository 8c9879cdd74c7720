package device

import "time"

// SubscribeFlag is a bitmask over the subscription categories a peer can
// request (spec.md §4.3).
type SubscribeFlag uint16

const (
	FlagDevice SubscribeFlag = 1 << iota
	FlagSignals
	FlagInputs
	FlagOutputs
	FlagMaps
	FlagMapsIn
	FlagMapsOut
)

// FlagAll requests every category.
const FlagAll = FlagDevice | FlagSignals | FlagInputs | FlagOutputs | FlagMaps | FlagMapsIn | FlagMapsOut

// Subscriber is one remote peer's subscription state (spec.md §4.3).
type Subscriber struct {
	Addr     string // "(ip, port)" identity
	Flags    SubscribeFlag
	LeaseExp time.Time
	Version  int
}

// SubscriberList tracks remote peers subscribed to this device's state.
type SubscriberList struct {
	byAddr map[string]*Subscriber
}

// NewSubscriberList returns an empty subscriber list.
func NewSubscriberList() *SubscriberList {
	return &SubscriberList{byAddr: make(map[string]*Subscriber)}
}

// Subscribe applies an incoming /<dev>/subscribe request: removes the
// subscription if lease == 0 and the peer was already known, otherwise
// bitwise-ORs the requested flags into any existing subscription and
// (re)sets its lease expiry (spec.md §4.3).
func (l *SubscriberList) Subscribe(addr string, flags SubscribeFlag, leaseSec int, version int, now time.Time) (sub *Subscriber, removed bool) {
	existing, ok := l.byAddr[addr]
	if ok && leaseSec == 0 {
		delete(l.byAddr, addr)
		return nil, true
	}
	if !ok {
		existing = &Subscriber{Addr: addr}
		l.byAddr[addr] = existing
	}
	existing.Flags |= flags
	existing.Version = version
	existing.LeaseExp = now.Add(time.Duration(leaseSec) * time.Second)
	return existing, false
}

// ExpireOlderThan drops every subscriber whose lease has passed now
// (spec.md §4.3 "On each poll, walks the subscriber list and drops
// expired entries").
func (l *SubscriberList) ExpireOlderThan(now time.Time) {
	for addr, s := range l.byAddr {
		if now.After(s.LeaseExp) {
			delete(l.byAddr, addr)
		}
	}
}

// Matching returns every subscriber whose flags intersect want, for
// fan-out of a state change (spec.md §4.3 "re-emits the affected object
// to matching subscribers").
func (l *SubscriberList) Matching(want SubscribeFlag) []*Subscriber {
	var out []*Subscriber
	for _, s := range l.byAddr {
		if s.Flags&want != 0 {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of active subscriptions.
func (l *SubscriberList) Len() int { return len(l.byAddr) }
