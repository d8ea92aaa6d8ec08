package proto

import "encoding/json"

type ClientInfo struct {
	Id                string `json:"id"`
	Type              string `json:"type"`
	BusId             string `json:"busId,omitempty"`
	UserId            string `json:"userId"`
	Connected         bool   `json:"connected"`
	SubscribedToBusId string `json:"subscribedToBusId,omitempty"`
}

type ConnectionAck struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	ClientCount int    `json:"clientCount"`
}

type ClientList struct {
	Type        string       `json:"type"`
	Clients     []ClientInfo `json:"clients"`
	ActiveBuses []string     `json:"activeBuses"`
	ClientCount int          `json:"clientCount"`
}

type LocationBroadcast struct {
	Type string   `json:"type"`
	Data Location `json:"data"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outbound is the union of every server->client message, used by clients
// and tests to decode frames without knowing the type up front.
type Outbound struct {
	Type        string       `json:"type"`
	Message     string       `json:"message,omitempty"`
	ClientCount int          `json:"clientCount,omitempty"`
	ActiveBuses []string     `json:"activeBuses,omitempty"`
	Clients     []ClientInfo `json:"clients,omitempty"`
	Data        *Location    `json:"data,omitempty"`
}

func NewConnectionAck(count int) *ConnectionAck {
	return &ConnectionAck{Type: TypeConnectionAck, Message: "Connected to bus tracking server", ClientCount: count}
}

func NewClientList(clients []ClientInfo, active_buses []string) *ClientList {
	if clients == nil {
		clients = []ClientInfo{}
	}
	if active_buses == nil {
		active_buses = []string{}
	}
	return &ClientList{Type: TypeClientList, Clients: clients, ActiveBuses: active_buses, ClientCount: len(clients)}
}

func NewLocationBroadcast(loc Location) *LocationBroadcast {
	return &LocationBroadcast{Type: TypeLocationBroadcast, Data: loc}
}

func NewError(message string) *Error {
	return &Error{Type: TypeError, Message: message}
}

// Encode marshals an outbound message. Outbound types contain nothing that
// can fail to marshal, so an error here is a programming mistake.
func Encode(v interface{}) []byte {
	d, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return d
}

func DecodeOutbound(frame []byte) (*Outbound, error) {
	msg := &Outbound{}
	err := json.Unmarshal(frame, msg)
	return msg, err
}
