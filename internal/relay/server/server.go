package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/relay/buscache"
	"nuha.dev/busrelay/internal/relay/events"
	"nuha.dev/busrelay/internal/relay/proto"
	"nuha.dev/busrelay/internal/relay/registry"
	"nuha.dev/busrelay/internal/relay/router"
	"nuha.dev/busrelay/internal/relay/sublist"
)

const (
	NEW_CONNECTION     string = "new_connection"
	CONNECTION_CLOSED  string = "connection_closed"
	CONNECTION_REAPED  string = "connection_reaped"
	SHUTDOWN_STARTED   string = "shutdown_started"
	SHUTDOWN_CLOSE_ALL string = "shutdown_close_all"
	SHUTDOWN_FORCED    string = "shutdown_forced"
	TASK_PANIC         string = "task_panic"
)

const (
	CLOSE_GOING_AWAY   int    = 1001
	CLOSE_INTERNAL_ERR int    = 1011
	MSG_SHUTTING_DOWN  string = "server is shutting down"
	MSG_INTERNAL_ERROR string = "internal error"
)

const (
	DEFAULT_QUEUE_SIZE int           = 256
	DEFAULT_PING       time.Duration = 30 * time.Second
	DEFAULT_REAP       time.Duration = 60 * time.Second
	DEFAULT_GRACE      time.Duration = time.Second
	DEFAULT_HARD_BOUND time.Duration = 10 * time.Second
)

var (
	ErrShuttingDown   = errors.New("server is shutting down")
	ErrStopped        = errors.New("server stopped")
	ErrForcedShutdown = errors.New("shutdown bound expired with open transports")
	ErrInternal       = errors.New("internal error")
)

type ServerConfig struct {
	PingInterval    time.Duration
	ReapInterval    time.Duration
	ShutdownGrace   time.Duration
	ShutdownTimeout time.Duration
	QueueSize       int
	Router          router.RouterConfig
}

type taskKind int

const (
	taskOpen taskKind = iota
	taskMessage
	taskClose
	taskQuery
)

type task struct {
	kind   taskKind
	run    func() error
	undo   func()
	result chan error
}

type Status struct {
	Connections   int                  `json:"connections"`
	Registered    int                  `json:"registered"`
	Drivers       int                  `json:"drivers"`
	ActiveBuses   []string             `json:"activeBuses"`
	LastUpdate    map[string]time.Time `json:"lastUpdate"`
	Subscriptions int                  `json:"subscriptions"`
	Draining      bool                 `json:"draining"`
}

// Server is the relay's single sequencer. Every transition on the
// registry, the location cache and the subscription index runs to
// completion on the goroutine executing Run, so none of them need locks.
type Server struct {
	log    log.Logger
	config *ServerConfig
	reg    *registry.Registry
	cache  *buscache.Cache
	index  *sublist.Index
	router *router.Router
	emit   events.Emitter

	tasks         chan task
	shutdown      chan struct{}
	shutdown_once sync.Once
	force         chan struct{}
	force_once    sync.Once
	done          chan struct{}
	fault         chan error

	// owned by the loop
	draining   bool
	closed_all bool
	faulted    error
}

func NewServer(new_id func() string, emit events.Emitter, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "relay-server").Value()
	if config == nil {
		config = &ServerConfig{}
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DEFAULT_PING
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DEFAULT_REAP
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DEFAULT_GRACE
	}
	if config.ShutdownTimeout < config.ShutdownGrace {
		config.ShutdownTimeout = config.ShutdownGrace + DEFAULT_HARD_BOUND
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DEFAULT_QUEUE_SIZE
	}
	s.config = config
	if emit == nil {
		emit = events.Nop{}
	}
	s.emit = emit
	s.reg = registry.New(new_id)
	s.cache = buscache.New()
	s.index = sublist.NewIndex()
	s.router = router.NewRouter(s.reg, s.cache, s.index, emit, config.Router)
	s.tasks = make(chan task, config.QueueSize)
	s.shutdown = make(chan struct{})
	s.force = make(chan struct{})
	s.done = make(chan struct{})
	s.fault = make(chan error, 1)
	return s
}

// Run processes tasks and timers until the shutdown drain completes. It
// returns ErrForcedShutdown when the hard bound expired or Force was
// called before every transport was closed, and the first fault when a
// panic started the drain.
func (s *Server) Run() error {
	defer close(s.done)
	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()
	reap := time.NewTicker(s.config.ReapInterval)
	defer reap.Stop()

	var grace, hard *time.Timer
	var grace_c, hard_c <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
		if hard != nil {
			hard.Stop()
		}
	}()

	shutdown := s.shutdown
	s.log.Info().Dur("ping_interval", s.config.PingInterval).Dur("reap_interval", s.config.ReapInterval).Msg("relay server started")
	for {
		select {
		case t := <-s.tasks:
			s.runTask(t)
		case <-ping.C:
			s.guard("ping", s.pingAll)
		case <-reap.C:
			s.guard("reap", s.reap)
		case <-shutdown:
			shutdown = nil
			s.guard("drain", s.beginDrain)
			grace = time.NewTimer(s.config.ShutdownGrace)
			grace_c = grace.C
			hard = time.NewTimer(s.config.ShutdownTimeout)
			hard_c = hard.C
		case <-grace_c:
			grace_c = nil
			s.closeAll()
		case <-hard_c:
			s.log.Warn().Str("event", SHUTDOWN_FORCED).Int("remaining", s.reg.Count()).Msg("")
			return ErrForcedShutdown
		case <-s.force:
			s.draining = true
			s.closeAll()
			s.log.Warn().Str("event", SHUTDOWN_FORCED).Int("remaining", s.reg.Count()).Msg("")
			return ErrForcedShutdown
		}
		if s.closed_all && s.reg.Count() == 0 {
			s.log.Info().Msg("relay server stopped")
			return s.faulted
		}
	}
}

// Shutdown starts the drain. Calling it more than once has no further
// effect.
func (s *Server) Shutdown() {
	s.shutdown_once.Do(func() {
		close(s.shutdown)
	})
}

// Force ends a drain early: every transport is closed and Run returns
// ErrForcedShutdown without waiting for the close transitions.
func (s *Server) Force() {
	s.Shutdown()
	s.force_once.Do(func() {
		close(s.force)
	})
}

// Done is closed when Run returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Faults delivers the first panic recovered on the loop. A fault also
// starts the shutdown drain.
func (s *Server) Faults() <-chan error {
	return s.fault
}

// Open registers a new transport and returns its connection id.
func (s *Server) Open(link registry.Transport) (string, error) {
	var cid string
	err := s.execUndo(taskOpen, func() error {
		cid = s.reg.Open(link)
		s.welcome(cid)
		return nil
	}, func() {
		if cid != "" {
			s.dropConn(cid)
		}
	})
	if err != nil {
		return "", err
	}
	return cid, nil
}

// Message routes one inbound frame. Frames from one connection are
// handled in the order Message is called.
func (s *Server) Message(cid string, frame []byte) error {
	return s.execUndo(taskMessage, func() error {
		s.router.Handle(cid, frame)
		return nil
	}, func() {
		s.dropConn(cid)
	})
}

// Close runs the close transition for cid. Closing an unknown id is a no-op.
func (s *Server) Close(cid string) error {
	return s.execUndo(taskClose, func() error {
		s.closeConn(cid, true)
		return nil
	}, func() {
		s.dropConn(cid)
	})
}

func (s *Server) Status() (Status, error) {
	var st Status
	err := s.exec(taskQuery, func() error {
		snap := s.reg.Snapshot()
		st.Connections = len(snap)
		for _, c := range snap {
			if c.Registered {
				st.Registered++
			}
			if c.Role == registry.Driver {
				st.Drivers++
			}
		}
		st.ActiveBuses = s.cache.ActiveBusIds()
		st.LastUpdate = make(map[string]time.Time, len(st.ActiveBuses))
		for _, bus_id := range st.ActiveBuses {
			if t, ok := s.cache.Updated(bus_id); ok {
				st.LastUpdate[bus_id] = t
			}
		}
		st.Subscriptions = s.index.Subscriptions()
		st.Draining = s.draining
		return nil
	})
	return st, err
}

func (s *Server) exec(kind taskKind, fn func() error) error {
	return s.execUndo(kind, fn, nil)
}

// execUndo queues fn on the loop. When fn panics, undo runs so the
// connection it touched does not stay half applied.
func (s *Server) execUndo(kind taskKind, fn func() error, undo func()) error {
	t := task{kind: kind, run: fn, undo: undo, result: make(chan error, 1)}
	select {
	case s.tasks <- t:
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-t.result:
		return err
	case <-s.done:
		select {
		case err := <-t.result:
			return err
		default:
			return ErrStopped
		}
	}
}

func (s *Server) runTask(t task) {
	if s.draining && (t.kind == taskOpen || t.kind == taskMessage) {
		t.result <- ErrShuttingDown
		return
	}
	var result error
	if err := s.guard("task", func() { result = t.run() }); err != nil {
		if t.undo != nil {
			s.guard("rollback", t.undo)
		}
		result = err
	}
	t.result <- result
}

// guard runs fn and turns a panic into a fault. The first fault is kept
// as Run's result and starts the shutdown drain.
func (s *Server) guard(where string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			s.log.Error().Str("event", TASK_PANIC).Str("in", where).Err(err).Msg("")
			if s.faulted == nil {
				s.faulted = err
			}
			select {
			case s.fault <- err:
			default:
			}
			s.Shutdown()
		}
	}()
	fn()
	return nil
}

// dropConn closes the transport of cid and runs its close transition.
func (s *Server) dropConn(cid string) {
	if link, ok := s.reg.Link(cid); ok {
		link.Close(CLOSE_INTERNAL_ERR, MSG_INTERNAL_ERROR)
	}
	s.closeConn(cid, true)
}

func (s *Server) welcome(cid string) {
	conn, _ := s.reg.Get(cid)
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(conn).Int("count", s.reg.Count()).Msg("")
	s.emit.Emit(events.ConnectionOpened, events.Connection{Cid: cid, Role: conn.Role.String()})
	s.router.Send(cid, proto.NewConnectionAck(s.reg.Count()))
	s.router.Send(cid, s.router.ClientList())
}

// closeConn removes cid and evicts its bus when it was the last driver.
// The client list goes to everyone only when broadcast is set.
func (s *Server) closeConn(cid string, broadcast bool) bool {
	s.index.Unsubscribe(cid)
	conn, ok := s.reg.Close(cid)
	if !ok {
		return false
	}
	s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(conn).Int("count", s.reg.Count()).Msg("")
	s.emit.Emit(events.ConnectionClosed, events.Connection{Cid: cid, Role: conn.Role.String(), UserId: conn.UserId, BusId: conn.BusId})
	if conn.Role == registry.Driver && !s.draining {
		s.router.ReleaseBus(conn.BusId)
	}
	if broadcast && !s.draining {
		s.router.BroadcastClientList()
	}
	return true
}

func (s *Server) reap() {
	n := 0
	for _, c := range s.reg.Snapshot() {
		link, ok := s.reg.Link(c.Id)
		if !ok || link.IsOpen() {
			continue
		}
		s.log.Debug().Str("event", CONNECTION_REAPED).EmbedObject(c).Msg("")
		if s.closeConn(c.Id, false) {
			n++
		}
	}
	if n > 0 && !s.draining {
		s.router.BroadcastClientList()
	}
}

func (s *Server) pingAll() {
	for _, cid := range s.reg.Ids() {
		link, ok := s.reg.Link(cid)
		if ok && link.IsOpen() {
			link.Ping()
		}
	}
}

// beginDrain notifies every connection. Each send is guarded so one bad
// transport does not keep the rest from hearing about the drain.
func (s *Server) beginDrain() {
	s.draining = true
	n := 0
	msg := proto.NewError(MSG_SHUTTING_DOWN)
	for _, cid := range s.reg.Ids() {
		s.guard("drain", func() {
			if s.router.Send(cid, msg) {
				n++
			}
		})
	}
	s.log.Info().Str("event", SHUTDOWN_STARTED).Int("notified", n).Dur("grace", s.config.ShutdownGrace).Msg("")
}

func (s *Server) closeAll() {
	s.closed_all = true
	n := 0
	for _, cid := range s.reg.Ids() {
		link, ok := s.reg.Link(cid)
		if !ok {
			continue
		}
		s.guard("close_all", func() {
			if link.IsOpen() {
				link.Close(CLOSE_GOING_AWAY, MSG_SHUTTING_DOWN)
				n++
			}
		})
	}
	s.log.Info().Str("event", SHUTDOWN_CLOSE_ALL).Int("closed", n).Int("remaining", s.reg.Count()).Msg("")
}
