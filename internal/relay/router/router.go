package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/relay/buscache"
	"nuha.dev/busrelay/internal/relay/events"
	"nuha.dev/busrelay/internal/relay/proto"
	"nuha.dev/busrelay/internal/relay/registry"
	"nuha.dev/busrelay/internal/relay/sublist"
)

const (
	EVENT_REGISTERED        string = "registered"
	EVENT_REGISTER_REJECTED string = "register_rejected"
	EVENT_LOCATION_REJECTED string = "location_rejected"
	EVENT_BUS_OFFLINE       string = "bus_offline"
	EVENT_MALFORMED         string = "malformed_message"
)

// client facing error messages
const (
	MsgUnauthorizedPublish = "Only bus drivers and admins can broadcast location updates"
	MsgMissingPublishBus   = "Must register with a busId to send location updates"
	MsgMissingLocation     = "Location data is required"
	MsgInvalidLocation     = "Invalid location data"
	MsgMissingSubscribeBus = "subscribeToBusId is required"
	MsgUnknownType         = "Unknown message type"
	MsgMalformed           = "Invalid message format"
	MsgAlreadyRegistered   = "Already registered"
)

var ErrAlreadyRegistered = errors.New(MsgAlreadyRegistered)

type MalformedPolicy string

const (
	MalformedIgnore MalformedPolicy = "ignore"
	MalformedReply  MalformedPolicy = "reply"
)

type ReregisterPolicy string

const (
	ReregisterUpdate ReregisterPolicy = "update"
	ReregisterOnce   ReregisterPolicy = "once"
)

type RouterConfig struct {
	Malformed  MalformedPolicy
	Reregister ReregisterPolicy
}

// Router is the protocol state machine. It reads and mutates the registry,
// the location cache and the subscription index, and decides who receives
// what. Every method must be called from the relay server's event loop.
type Router struct {
	reg    *registry.Registry
	cache  *buscache.Cache
	index  *sublist.Index
	emit   events.Emitter
	config RouterConfig
	log    log.Logger
	now    func() time.Time
}

func NewRouter(reg *registry.Registry, cache *buscache.Cache, index *sublist.Index, emit events.Emitter, config RouterConfig) *Router {
	r := &Router{reg: reg, cache: cache, index: index, emit: emit, config: config}
	if r.emit == nil {
		r.emit = events.Nop{}
	}
	if r.config.Malformed == "" {
		r.config.Malformed = MalformedIgnore
	}
	if r.config.Reregister == "" {
		r.config.Reregister = ReregisterUpdate
	}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "router").Value()
	r.now = time.Now
	return r
}

// Handle processes one inbound frame from cid.
func (r *Router) Handle(cid string, frame []byte) {
	conn, ok := r.reg.Get(cid)
	if !ok {
		return
	}
	msg, err := proto.Decode(frame)
	if err != nil {
		r.log.Debug().Str("event", EVENT_MALFORMED).EmbedObject(conn).Err(err).Msg("")
		if r.config.Malformed == MalformedReply {
			r.SendError(cid, MsgMalformed)
		}
		return
	}
	r.emit.Emit(events.MessageReceived, events.Connection{Cid: cid, Role: conn.Role.String(), UserId: conn.UserId, BusId: conn.BusId})

	switch msg.Type {
	case proto.TypeRegister:
		r.register(conn, msg)
	case proto.TypeLocationUpdate:
		r.locationUpdate(conn, msg)
	case proto.TypeSubscribe:
		r.subscribe(conn, msg)
	case proto.TypeUnsubscribe:
		r.unsubscribe(conn)
	default:
		r.log.Debug().EmbedObject(conn).Str("type", msg.Type).Msg("unknown message type")
		r.SendError(cid, MsgUnknownType)
	}
}

func (r *Router) register(conn registry.Connection, msg *proto.Inbound) {
	role, err := registry.ParseRole(msg.ClientType)
	if err == nil && conn.Registered && r.config.Reregister == ReregisterOnce {
		err = ErrAlreadyRegistered
	}
	var updated registry.Connection
	if err == nil {
		updated, err = r.reg.Register(conn.Id, role, msg.UserId, msg.BusId)
	}
	if err != nil {
		r.log.Info().Str("event", EVENT_REGISTER_REJECTED).EmbedObject(conn).Str("requested_user_id", msg.UserId).Err(err).Msg("")
		r.SendError(conn.Id, err.Error())
		return
	}
	r.log.Info().Str("event", EVENT_REGISTERED).EmbedObject(updated).Msg("")
	r.emit.Emit(events.ClientRegistered, events.Connection{Cid: updated.Id, Role: updated.Role.String(), UserId: updated.UserId, BusId: updated.BusId})

	// a driver moving off a bus counts as leaving it
	if conn.Role == registry.Driver && (updated.Role != registry.Driver || updated.BusId != conn.BusId) {
		r.ReleaseBus(conn.BusId)
	}
	r.BroadcastClientList()
}

func (r *Router) locationUpdate(conn registry.Connection, msg *proto.Inbound) {
	if !conn.Role.CanPublish() {
		r.rejectLocation(conn, MsgUnauthorizedPublish)
		return
	}
	bus_id := conn.BusId
	if conn.Role == registry.Admin {
		bus_id = msg.BusId
	}
	if bus_id == "" {
		r.rejectLocation(conn, MsgMissingPublishBus)
		return
	}
	if msg.Data == nil {
		r.rejectLocation(conn, MsgMissingLocation)
		return
	}
	if err := proto.ValidateLocation(msg.Data); err != nil {
		r.log.Debug().EmbedObject(conn).Err(err).Msg("location validation failed")
		r.rejectLocation(conn, MsgInvalidLocation)
		return
	}

	loc := msg.Data.Location(bus_id, conn.UserId, r.now())
	r.reg.SetLastLocation(conn.Id, loc)
	// entries only exist while the bus has a live driver
	if r.reg.DriverCountFor(bus_id) > 0 {
		r.cache.RecordLocation(bus_id, loc)
	}
	subs := r.index.SubscribersOf(bus_id)
	sent := r.Broadcast(subs, proto.NewLocationBroadcast(loc))
	r.log.Trace().EmbedObject(conn).Str("target_bus_id", bus_id).Int("recipients", sent).Msg("location broadcast")
	r.emit.Emit(events.LocationAccepted, events.Location{Cid: conn.Id, Location: loc})
	r.emit.Emit(events.LocationBroadcast, events.Broadcast{BusId: bus_id, Recipients: sent})
}

func (r *Router) rejectLocation(conn registry.Connection, reason string) {
	r.log.Debug().Str("event", EVENT_LOCATION_REJECTED).EmbedObject(conn).Str("reason", reason).Msg("")
	r.emit.Emit(events.LocationRejected, events.Rejection{Cid: conn.Id, Reason: reason})
	r.SendError(conn.Id, reason)
}

func (r *Router) subscribe(conn registry.Connection, msg *proto.Inbound) {
	bus_id := msg.SubscribeToBusId
	if bus_id == "" {
		r.SendError(conn.Id, MsgMissingSubscribeBus)
		return
	}
	prev := r.index.Subscribe(conn.Id, bus_id)
	r.reg.SetSubscription(conn.Id, bus_id)
	r.log.Debug().EmbedObject(conn).Str("subscribe", bus_id).Str("previous", prev).Msg("subscribed")
	if loc, ok := r.cache.Get(bus_id); ok {
		r.Send(conn.Id, proto.NewLocationBroadcast(loc))
	}
}

func (r *Router) unsubscribe(conn registry.Connection) {
	bus_id, ok := r.index.Unsubscribe(conn.Id)
	if !ok {
		return
	}
	r.reg.SetSubscription(conn.Id, "")
	r.log.Debug().EmbedObject(conn).Str("unsubscribe", bus_id).Msg("unsubscribed")
}

// ReleaseBus evicts the cached location of a bus that has just lost a
// driver, if no other driver is left. Subscribers of an evicted bus are
// told it went offline and get a fresh client list. Reports whether the
// entry was evicted.
func (r *Router) ReleaseBus(bus_id string) bool {
	if !r.cache.EvictIfNoDrivers(bus_id, r.reg) {
		return false
	}
	subs := r.index.SubscribersOf(bus_id)
	r.log.Info().Str("event", EVENT_BUS_OFFLINE).Str("bus_id", bus_id).Int("subscribers", len(subs)).Msg("")
	r.Broadcast(subs, proto.NewError(fmt.Sprintf("bus %s went offline", bus_id)))
	r.Broadcast(subs, r.ClientList())
	r.emit.Emit(events.BusOffline, events.Offline{BusId: bus_id, Subscribers: len(subs)})
	return true
}

func (r *Router) ClientList() *proto.ClientList {
	snap := r.reg.Snapshot()
	clients := make([]proto.ClientInfo, len(snap))
	for i, c := range snap {
		clients[i] = c.Info()
	}
	return proto.NewClientList(clients, r.cache.ActiveBusIds())
}

// BroadcastClientList sends the current client list to every connection.
func (r *Router) BroadcastClientList() int {
	return r.Broadcast(r.reg.Ids(), r.ClientList())
}

// Send delivers v to one connection. Sends to unknown or non-open
// connections are dropped.
func (r *Router) Send(cid string, v interface{}) bool {
	return r.send(cid, proto.Encode(v))
}

func (r *Router) SendError(cid string, message string) bool {
	return r.Send(cid, proto.NewError(message))
}

// Broadcast encodes v once and delivers it to every id in cids, returning
// how many sends were accepted by their transport.
func (r *Router) Broadcast(cids []string, v interface{}) int {
	if len(cids) == 0 {
		return 0
	}
	data := proto.Encode(v)
	n := 0
	for _, cid := range cids {
		if r.send(cid, data) {
			n++
		}
	}
	return n
}

func (r *Router) send(cid string, data []byte) bool {
	link, ok := r.reg.Link(cid)
	if !ok || !link.IsOpen() {
		return false
	}
	return link.Send(data)
}
