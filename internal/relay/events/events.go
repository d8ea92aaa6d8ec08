package events

import (
	"context"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/relay/proto"
)

const (
	ConnectionOpened  string = "connection.opened"
	ConnectionClosed  string = "connection.closed"
	ClientRegistered  string = "client.registered"
	MessageReceived   string = "message.received"
	LocationAccepted  string = "location.accepted"
	LocationRejected  string = "location.rejected"
	LocationBroadcast string = "location.broadcast"
	BusOffline        string = "bus.offline"
)

var topics = []string{
	ConnectionOpened, ConnectionClosed, ClientRegistered, MessageReceived,
	LocationAccepted, LocationRejected, LocationBroadcast, BusOffline,
}

// 2020-01-01T00:00:00Z in milliseconds
const epoch uint64 = 1577836800000

type Connection struct {
	Cid    string
	Role   string
	UserId string
	BusId  string
}

type Location struct {
	Cid      string
	Location proto.Location
}

type Rejection struct {
	Cid    string
	Reason string
}

type Broadcast struct {
	BusId      string
	Recipients int
}

type Offline struct {
	BusId       string
	Subscribers int
}

type Emitter interface {
	Emit(topic string, data interface{})
}

type Nop struct{}

func (Nop) Emit(topic string, data interface{}) {}

// Bus delivers relay events to registered handlers. Handlers run on the
// emitting goroutine, which is the relay server's event loop, so they must
// return quickly and must not call back into the server.
type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epoch)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(topics...)
	eb := &Bus{b: b}
	eb.log = log.DefaultLogger
	eb.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return eb, nil
}

func (eb *Bus) Emit(topic string, data interface{}) {
	err := eb.b.Emit(context.Background(), topic, data)
	if err != nil {
		eb.log.Error().Err(err).Str("topic", topic).Msg("unable to emit event")
	}
}

// Handle registers fn for every topic matching the matcher regex.
func (eb *Bus) Handle(key string, matcher string, fn func(topic string, data interface{})) {
	eb.b.RegisterHandler(key, bus.Handler{
		Matcher: matcher,
		Handle: func(ctx context.Context, e bus.Event) {
			fn(e.Topic, e.Data)
		},
	})
}

func (eb *Bus) Remove(key string) {
	eb.b.DeregisterHandler(key)
}
