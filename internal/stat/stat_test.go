package stat

import (
	"testing"
	"time"

	"nuha.dev/busrelay/internal/relay/events"
)

func TestSeriesBuckets(t *testing.T) {
	s := NewStat()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.MessageIncr(base)
	s.MessageIncr(base.Add(10 * time.Second))
	s.MessageIncr(base.Add(90 * time.Second))

	snap := s.Snapshot()
	if snap.Messages != 3 {
		t.Errorf("expected 3 messages, got %d", snap.Messages)
	}
	got := snap.MessagesPerMinute
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %+v", got)
	}
	if !got[0].Time.Equal(base) || got[0].Count != 2 {
		t.Errorf("unexpected first bucket %+v", got[0])
	}
	if got[1].Count != 1 {
		t.Errorf("unexpected second bucket %+v", got[1])
	}
}

func TestSeriesWraps(t *testing.T) {
	s := NewStat()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 75; i++ {
		s.MessageIncr(base.Add(time.Duration(i) * time.Minute))
	}
	got := s.Snapshot().MessagesPerMinute
	if len(got) != 60 {
		t.Fatalf("expected 60 buckets, got %d", len(got))
	}
	if !got[0].Time.Equal(base.Add(15 * time.Minute)) {
		t.Errorf("oldest bucket is %v", got[0].Time)
	}
	if !got[59].Time.Equal(base.Add(74 * time.Minute)) {
		t.Errorf("newest bucket is %v", got[59].Time)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s := NewStat()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		s.ConnectEv(base.Add(time.Duration(i) * time.Second))
	}
	got := s.Snapshot().LastConnect
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
	if !got[0].Equal(base.Add(11*time.Second)) || !got[9].Equal(base.Add(2*time.Second)) {
		t.Errorf("unexpected order %v .. %v", got[0], got[9])
	}
}

func TestHandleEvents(t *testing.T) {
	s := NewStat()
	s.Handle(events.ConnectionOpened, events.Connection{Cid: "c1"})
	s.Handle(events.MessageReceived, events.Connection{Cid: "c1"})
	s.Handle(events.LocationAccepted, events.Location{Cid: "c1"})
	s.Handle(events.LocationBroadcast, events.Broadcast{BusId: "bus_001", Recipients: 3})
	s.Handle(events.LocationRejected, events.Rejection{Cid: "c1"})
	s.Handle(events.BusOffline, events.Offline{BusId: "bus_001"})
	s.Handle(events.ConnectionClosed, events.Connection{Cid: "c1"})

	snap := s.Snapshot()
	if snap.Connects != 1 || snap.Disconnects != 1 || snap.Messages != 1 {
		t.Errorf("unexpected connection counters %+v", snap)
	}
	if snap.Accepted != 1 || snap.Rejected != 1 || snap.Delivered != 3 || snap.BusOffline != 1 {
		t.Errorf("unexpected location counters %+v", snap)
	}
}
