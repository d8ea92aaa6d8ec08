package natsstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"nuha.dev/busrelay/internal/store"
)

type fakePub struct {
	subj []string
	data [][]byte
	err  error
}

func (f *fakePub) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subj = append(f.subj, subj)
	f.data = append(f.data, data)
	return nil
}

func TestPublish(t *testing.T) {
	pub := &fakePub{}
	st := NewStore(pub, &StoreConfig{SubjectPrefix: "fleet"})
	st.Run()
	st.Put(store.LocationRecord{BusId: "bus_001", UserId: "d1", Latitude: 1.5, Longitude: 2.5})
	if err := st.Close(); err != nil {
		t.Errorf("close without a nats connection: %v", err)
	}

	if len(pub.subj) != 1 || pub.subj[0] != "fleet.bus_001.location" {
		t.Fatalf("unexpected subjects %v", pub.subj)
	}
	var got store.LocationRecord
	if err := json.Unmarshal(pub.data[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.BusId != "bus_001" || got.Latitude != 1.5 {
		t.Errorf("unexpected payload %+v", got)
	}
	if stats := st.Stats(); stats.Sent != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSubjectSanitized(t *testing.T) {
	st := NewStore(&fakePub{}, &StoreConfig{})
	tests := map[string]string{
		"bus_001": "bus.bus_001.location",
		"route.7": "bus.route_7.location",
		"a b*c>":  "bus.a_b_c_.location",
		"":        "bus._.location",
	}
	for in, want := range tests {
		if got := st.Subject(in); got != want {
			t.Errorf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishFailure(t *testing.T) {
	st := NewStore(&fakePub{err: errors.New("nats: connection closed")}, &StoreConfig{})
	st.Run()
	st.Put(store.LocationRecord{BusId: "bus_001"})
	st.Close()
	if stats := st.Stats(); stats.Sent != 0 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type stuckPub struct {
	entered chan struct{}
	release chan struct{}
}

func (p *stuckPub) Publish(subj string, data []byte) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func TestPutDoesNotWaitForPublish(t *testing.T) {
	pub := &stuckPub{entered: make(chan struct{}, 4), release: make(chan struct{})}
	st := NewStore(pub, &StoreConfig{QueueSize: 1})
	st.Run()

	st.Put(store.LocationRecord{BusId: "bus_001"})
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher never started")
	}
	done := make(chan struct{})
	go func() {
		st.Put(store.LocationRecord{BusId: "bus_002"})
		st.Put(store.LocationRecord{BusId: "bus_003"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Put blocked on a stuck publisher")
	}
	close(pub.release)
	st.Close()
	if stats := st.Stats(); stats.Sent != 2 || stats.Dropped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
