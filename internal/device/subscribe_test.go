package device

import (
	"testing"
	"time"
)

func TestSubscribeAddsAndOrsFlags(t *testing.T) {
	l := NewSubscriberList()
	now := time.Now()
	l.Subscribe("1.2.3.4:9000", FlagDevice, 60, 1, now)
	sub, removed := l.Subscribe("1.2.3.4:9000", FlagSignals, 60, 1, now)
	if removed {
		t.Fatal("did not expect removal on a nonzero lease")
	}
	if sub.Flags&FlagDevice == 0 || sub.Flags&FlagSignals == 0 {
		t.Fatalf("expected both flags ORed in, got %b", sub.Flags)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", l.Len())
	}
}

func TestSubscribeZeroLeaseRemoves(t *testing.T) {
	l := NewSubscriberList()
	now := time.Now()
	l.Subscribe("1.2.3.4:9000", FlagAll, 60, 1, now)
	_, removed := l.Subscribe("1.2.3.4:9000", FlagAll, 0, 1, now)
	if !removed {
		t.Fatal("expected a zero-lease resubscribe to remove the subscriber")
	}
	if l.Len() != 0 {
		t.Fatal("subscriber should be gone")
	}
}

func TestExpireOlderThan(t *testing.T) {
	l := NewSubscriberList()
	now := time.Now()
	l.Subscribe("a", FlagDevice, 1, 1, now)
	l.Subscribe("b", FlagDevice, 100, 1, now)

	l.ExpireOlderThan(now.Add(2 * time.Second))
	if l.Len() != 1 {
		t.Fatalf("expected exactly one subscriber to survive, got %d", l.Len())
	}
	matches := l.Matching(FlagDevice)
	if len(matches) != 1 || matches[0].Addr != "b" {
		t.Fatalf("expected survivor to be 'b', got %+v", matches)
	}
}

func TestMatchingFiltersByFlag(t *testing.T) {
	l := NewSubscriberList()
	now := time.Now()
	l.Subscribe("a", FlagSignals, 60, 1, now)
	l.Subscribe("b", FlagMaps, 60, 1, now)

	if got := l.Matching(FlagSignals); len(got) != 1 || got[0].Addr != "a" {
		t.Fatalf("expected only 'a' to match FlagSignals, got %+v", got)
	}
}
