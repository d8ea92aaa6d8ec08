package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// inbound message types
const (
	TypeRegister       string = "register"
	TypeLocationUpdate string = "location_update"
	TypeSubscribe      string = "subscribe"
	TypeUnsubscribe    string = "unsubscribe"
)

// outbound message types
const (
	TypeConnectionAck     string = "connection_ack"
	TypeLocationBroadcast string = "location_broadcast"
	TypeClientList        string = "client_list"
	TypeError             string = "error"
)

const (
	ClientBusDriver string = "bus_driver"
	ClientPassenger string = "passenger"
	ClientAdmin     string = "admin"
)

var ErrMalformed = errors.New("malformed message")

var validate = validator.New()

type Inbound struct {
	Type             string        `json:"type"`
	UserId           string        `json:"userId,omitempty"`
	ClientType       string        `json:"clientType,omitempty"`
	BusId            string        `json:"busId,omitempty"`
	SubscribeToBusId string        `json:"subscribeToBusId,omitempty"`
	Data             *LocationData `json:"data,omitempty"`
}

// LocationData is the position payload a driver or admin sends.
// Timestamp is epoch milliseconds.
type LocationData struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp int64    `json:"timestamp" validate:"gte=0"`
}

// Location is a validated position stamped with the identity of the
// connection that produced it.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"`
	BusId     string   `json:"busId"`
	UserId    string   `json:"userId"`
}

func Decode(frame []byte) (*Inbound, error) {
	msg := &Inbound{}
	err := json.Unmarshal(frame, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func ValidateLocation(d *LocationData) error {
	if d == nil {
		return errors.New("location data is missing")
	}
	return validate.Struct(d)
}

// Location stamps d with the sender identity. A zero timestamp is replaced
// by now.
func (d *LocationData) Location(bus_id, user_id string, now time.Time) Location {
	loc := Location{BusId: bus_id, UserId: user_id, Timestamp: d.Timestamp}
	if d.Latitude != nil {
		loc.Latitude = *d.Latitude
	}
	if d.Longitude != nil {
		loc.Longitude = *d.Longitude
	}
	if d.Accuracy != nil {
		acc := *d.Accuracy
		loc.Accuracy = &acc
	}
	if loc.Timestamp == 0 {
		loc.Timestamp = now.UnixNano() / int64(time.Millisecond)
	}
	return loc
}
