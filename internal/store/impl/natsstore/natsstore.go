package natsstore

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/store"
)

// Publisher is the part of *nats.Conn the store uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type StoreConfig struct {
	SubjectPrefix string
	QueueSize     int
}

type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Store publishes every accepted location on <prefix>.<busId>.location.
// Put only queues; a publisher goroutine started by Run talks to NATS.
type Store struct {
	pub     Publisher
	config  *StoreConfig
	log     log.Logger
	in      chan store.LocationRecord
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	closeFn func() error

	sent    uint64
	failed  uint64
	dropped uint64
}

// Connect dials NATS with unlimited reconnects.
func Connect(url string) (*nats.Conn, error) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "natsstore").Value()
	return nats.Connect(url,
		nats.Name("busrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

func NewStore(pub Publisher, config *StoreConfig) *Store {
	st := &Store{pub: pub, config: config}
	if st.config.SubjectPrefix == "" {
		st.config.SubjectPrefix = "bus"
	}
	if st.config.QueueSize <= 0 {
		st.config.QueueSize = 256
	}
	st.in = make(chan store.LocationRecord, st.config.QueueSize)
	st.quit = make(chan struct{})
	st.done = make(chan struct{})
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "natsstore").Value()
	if nc, ok := pub.(*nats.Conn); ok {
		st.closeFn = nc.Drain
	}
	return st
}

func (st *Store) Subject(bus_id string) string {
	return st.config.SubjectPrefix + "." + sanitize(bus_id) + ".location"
}

func (st *Store) Run() {
	go st.handle()
}

// Put queues rec. Records are dropped when the queue is full or the
// store is closed.
func (st *Store) Put(rec store.LocationRecord) {
	select {
	case <-st.quit:
		atomic.AddUint64(&st.dropped, 1)
		return
	default:
	}
	select {
	case st.in <- rec:
	default:
		atomic.AddUint64(&st.dropped, 1)
	}
}

// Close publishes what is queued, then drains the NATS connection.
func (st *Store) Close() error {
	st.once.Do(func() {
		close(st.quit)
	})
	<-st.done
	if st.closeFn == nil {
		return nil
	}
	return st.closeFn()
}

func (st *Store) Stats() Stats {
	return Stats{
		Sent:    atomic.LoadUint64(&st.sent),
		Failed:  atomic.LoadUint64(&st.failed),
		Dropped: atomic.LoadUint64(&st.dropped),
	}
}

func (st *Store) handle() {
	defer close(st.done)
	for {
		select {
		case rec := <-st.in:
			st.publish(rec)
		case <-st.quit:
			for {
				select {
				case rec := <-st.in:
					st.publish(rec)
					continue
				default:
				}
				return
			}
		}
	}
}

func (st *Store) publish(rec store.LocationRecord) {
	d, err := json.Marshal(rec)
	if err != nil {
		atomic.AddUint64(&st.failed, 1)
		st.log.Error().Err(err).Msg("unable to encode record")
		return
	}
	err = st.pub.Publish(st.Subject(rec.BusId), d)
	if err != nil {
		atomic.AddUint64(&st.failed, 1)
		st.log.Warn().Err(err).Str("bus_id", rec.BusId).Msg("publish failed")
		return
	}
	atomic.AddUint64(&st.sent, 1)
}

// sanitize keeps a bus id to a single subject token.
func sanitize(bus_id string) string {
	if bus_id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, bus_id)
}
