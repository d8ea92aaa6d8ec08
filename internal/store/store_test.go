package store

import (
	"errors"
	"testing"
	"time"

	"nuha.dev/busrelay/internal/relay/events"
	"nuha.dev/busrelay/internal/relay/proto"
)

type memStore struct {
	recs   []LocationRecord
	closed bool
	err    error
}

func (m *memStore) Put(rec LocationRecord) {
	m.recs = append(m.recs, rec)
}

func (m *memStore) Close() error {
	m.closed = true
	return m.err
}

func TestNewRecord(t *testing.T) {
	acc := 4.5
	loc := proto.Location{Latitude: 1, Longitude: 2, Accuracy: &acc, Timestamp: 1700000000123, BusId: "bus_001", UserId: "d1"}
	rec := NewRecord(loc, time.Unix(1700000001, 0))
	if rec.BusId != "bus_001" || rec.UserId != "d1" || rec.Latitude != 1 || rec.Longitude != 2 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Accuracy == nil || *rec.Accuracy != 4.5 {
		t.Errorf("accuracy not carried over")
	}
	if rec.GpsTime.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected gps time %v", rec.GpsTime)
	}
}

func TestMulti(t *testing.T) {
	a := &memStore{}
	b := &memStore{err: errors.New("b failed")}
	m := Multi{a, b}
	m.Put(LocationRecord{BusId: "bus_001"})
	if len(a.recs) != 1 || len(b.recs) != 1 {
		t.Error("record not fanned out")
	}
	if err := m.Close(); err == nil || err.Error() != "b failed" {
		t.Errorf("unexpected close error %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("not every store was closed")
	}
}

func TestHandlerFiltersTopics(t *testing.T) {
	m := &memStore{}
	h := Handler(m)
	h(events.LocationRejected, events.Rejection{Cid: "c1"})
	h(events.LocationAccepted, events.Location{Cid: "c1", Location: proto.Location{BusId: "bus_001"}})
	if len(m.recs) != 1 || m.recs[0].BusId != "bus_001" {
		t.Errorf("unexpected records %+v", m.recs)
	}
}
