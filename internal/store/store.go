package store

import (
	"time"

	"nuha.dev/busrelay/internal/relay/events"
	"nuha.dev/busrelay/internal/relay/proto"
)

// LocationRecord is one accepted location update as the sinks persist it.
type LocationRecord struct {
	BusId      string    `json:"busId"`
	UserId     string    `json:"userId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	GpsTime    time.Time `json:"gpsTime"`
	ServerTime time.Time `json:"serverTime"`
}

func NewRecord(loc proto.Location, srvt time.Time) LocationRecord {
	return LocationRecord{
		BusId:      loc.BusId,
		UserId:     loc.UserId,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Accuracy:   loc.Accuracy,
		GpsTime:    time.UnixMilli(loc.Timestamp).UTC(),
		ServerTime: srvt.UTC(),
	}
}

// LocationStore receives accepted locations. Put is called from the relay
// event loop and must not block.
type LocationStore interface {
	Put(rec LocationRecord)
	Close() error
}

// Multi fans a record out to several stores.
type Multi []LocationStore

func (m Multi) Put(rec LocationRecord) {
	for _, st := range m {
		st.Put(rec)
	}
}

// Close closes every store and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, st := range m {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Handler turns location.accepted events into Put calls. It fits the
// events.Bus handler signature.
func Handler(st LocationStore) func(topic string, data interface{}) {
	return func(topic string, data interface{}) {
		if topic != events.LocationAccepted {
			return
		}
		ev, ok := data.(events.Location)
		if !ok {
			return
		}
		st.Put(NewRecord(ev.Location, time.Now()))
	}
}
