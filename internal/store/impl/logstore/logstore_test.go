package logstore

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"nuha.dev/busrelay/internal/store"
)

func TestPutWritesJsonLine(t *testing.T) {
	var buf bytes.Buffer
	st := NewStore(&buf)
	acc := 3.0
	st.Put(store.LocationRecord{BusId: "bus_001", UserId: "d1", Latitude: 1, Longitude: 2, Accuracy: &acc, GpsTime: time.Unix(10, 0), ServerTime: time.Unix(11, 0)})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not a json line: %q", buf.String())
	}
	if line["bus_id"] != "bus_001" || line["module"] != "logstore" || line["accuracy"] != 3.0 {
		t.Errorf("unexpected line %v", line)
	}
	if line["message"] != "location" {
		t.Errorf("unexpected message %v", line["message"])
	}
}
