package registry

import (
	"errors"
	"sort"

	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/relay/proto"
)

// Errors returned by Register. Their text is sent to the client as is.
var (
	ErrMissingUserId     = errors.New("userId is required")
	ErrDuplicateUserId   = errors.New("userId is already in use by another connection")
	ErrMissingBusId      = errors.New("busId is required for bus drivers")
	ErrUnexpectedBusId   = errors.New("busId is only allowed for bus drivers")
	ErrInvalidRole       = errors.New("clientType must be one of bus_driver, passenger, admin")
	ErrUnknownConnection = errors.New("unknown connection")
)

type Role int

const (
	Passenger Role = iota
	Driver
	Admin
)

func ParseRole(client_type string) (Role, error) {
	switch client_type {
	case "", proto.ClientPassenger:
		return Passenger, nil
	case proto.ClientBusDriver:
		return Driver, nil
	case proto.ClientAdmin:
		return Admin, nil
	default:
		return Passenger, ErrInvalidRole
	}
}

func (r Role) String() string {
	switch r {
	case Driver:
		return proto.ClientBusDriver
	case Admin:
		return proto.ClientAdmin
	default:
		return proto.ClientPassenger
	}
}

// CanPublish reports whether the role may send location updates.
func (r Role) CanPublish() bool {
	return r == Driver || r == Admin
}

// Transport is the per-connection send capability supplied by the
// transport layer. Send must not block.
type Transport interface {
	Send(data []byte) bool
	IsOpen() bool
	Close(code int, reason string)
	Ping()
}

// Connection is a snapshot of one live session's metadata.
type Connection struct {
	Id                string
	Role              Role
	UserId            string
	BusId             string
	SubscribedBusId   string
	LastKnownLocation *proto.Location
	Registered        bool
	seq               uint64
}

func (c Connection) MarshalObject(e *log.Entry) {
	e.Str("cid", c.Id).Str("role", c.Role.String()).Str("user_id", c.UserId)
	if c.BusId != "" {
		e.Str("bus_id", c.BusId)
	}
}

func (c Connection) Info() proto.ClientInfo {
	return proto.ClientInfo{
		Id:                c.Id,
		Type:              c.Role.String(),
		BusId:             c.BusId,
		UserId:            c.UserId,
		Connected:         true,
		SubscribedToBusId: c.SubscribedBusId,
	}
}

type entry struct {
	conn Connection
	link Transport
}

// Registry owns every live connection. It is not safe for concurrent use;
// the relay server's event loop is its only caller.
type Registry struct {
	conns map[string]*entry
	users map[string]string
	seq   uint64
	newId func() string
}

func New(new_id func() string) *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		users: make(map[string]string),
		newId: new_id,
	}
}

// Open inserts a fresh unregistered passenger bound to link.
func (r *Registry) Open(link Transport) string {
	id := r.newId()
	for {
		if _, taken := r.conns[id]; !taken {
			break
		}
		id = r.newId()
	}
	r.seq++
	r.conns[id] = &entry{conn: Connection{Id: id, Role: Passenger, seq: r.seq}, link: link}
	return id
}

// Register validates and applies a registration. Nothing is mutated when an
// error is returned.
func (r *Registry) Register(id string, role Role, user_id string, bus_id string) (Connection, error) {
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrUnknownConnection
	}
	if user_id == "" {
		return e.conn, ErrMissingUserId
	}
	if role == Driver && bus_id == "" {
		return e.conn, ErrMissingBusId
	}
	if role != Driver && bus_id != "" {
		return e.conn, ErrUnexpectedBusId
	}
	if holder, taken := r.users[user_id]; taken && holder != id {
		return e.conn, ErrDuplicateUserId
	}
	if e.conn.UserId != "" && e.conn.UserId != user_id {
		delete(r.users, e.conn.UserId)
	}
	r.users[user_id] = id
	e.conn.Role = role
	e.conn.UserId = user_id
	e.conn.BusId = bus_id
	e.conn.Registered = true
	return e.conn, nil
}

// Close removes the connection and returns its last snapshot. Closing an
// unknown id is a no-op.
func (r *Registry) Close(id string) (Connection, bool) {
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	if holder, held := r.users[e.conn.UserId]; held && holder == id {
		delete(r.users, e.conn.UserId)
	}
	return e.conn, true
}

func (r *Registry) Get(id string) (Connection, bool) {
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// Link resolves the transport of a live connection.
func (r *Registry) Link(id string) (Transport, bool) {
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.link, true
}

func (r *Registry) SetSubscription(id string, bus_id string) {
	if e, ok := r.conns[id]; ok {
		e.conn.SubscribedBusId = bus_id
	}
}

func (r *Registry) SetLastLocation(id string, loc proto.Location) {
	if e, ok := r.conns[id]; ok {
		e.conn.LastKnownLocation = &loc
	}
}

// Snapshot returns every live connection in the order they were opened.
func (r *Registry) Snapshot() []Connection {
	list := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		list = append(list, e.conn)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// Ids returns the ids of every live connection in open order.
func (r *Registry) Ids() []string {
	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, c := range snap {
		ids[i] = c.Id
	}
	return ids
}

func (r *Registry) Count() int {
	return len(r.conns)
}

func (r *Registry) DriverCountFor(bus_id string) int {
	n := 0
	for _, e := range r.conns {
		if e.conn.Role == Driver && e.conn.BusId == bus_id {
			n++
		}
	}
	return n
}
