package wsconn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
)

const (
	DEFAULT_OUTBOX_SIZE   int           = 64
	DEFAULT_READ_LIMIT    int64         = 64 << 10
	DEFAULT_PING_TIMEOUT  time.Duration = 10 * time.Second
	DEFAULT_WRITE_TIMEOUT time.Duration = 10 * time.Second
)

type WsConnConfig struct {
	OutboxSize   int
	ReadLimit    int64
	PingTimeout  time.Duration
	WriteTimeout time.Duration
}

// Conn adapts a websocket to the relay's transport contract. Send never
// blocks: frames go into a bounded outbox drained by a writer goroutine,
// and are dropped when the outbox is full or the socket is gone.
type Conn struct {
	c       *websocket.Conn
	log     log.Logger
	config  WsConnConfig
	tuple   []string
	outbox  chan []byte
	quit    chan struct{}
	writer  chan struct{}
	closed  uint32
	pinging uint32
	dropped uint64
	once    sync.Once
	code    websocket.StatusCode
	reason  string
}

func New(c *websocket.Conn, remote_addr string, local_addr string, config *WsConnConfig) *Conn {
	wc := &Conn{c: c}
	if config != nil {
		wc.config = *config
	}
	if wc.config.OutboxSize <= 0 {
		wc.config.OutboxSize = DEFAULT_OUTBOX_SIZE
	}
	if wc.config.ReadLimit <= 0 {
		wc.config.ReadLimit = DEFAULT_READ_LIMIT
	}
	if wc.config.PingTimeout <= 0 {
		wc.config.PingTimeout = DEFAULT_PING_TIMEOUT
	}
	if wc.config.WriteTimeout <= 0 {
		wc.config.WriteTimeout = DEFAULT_WRITE_TIMEOUT
	}
	sourceip, sourceport, err := net.SplitHostPort(remote_addr)
	if err != nil {
		sourceip = remote_addr
	}
	targetip, targetport, _ := net.SplitHostPort(local_addr)
	wc.tuple = []string{sourceip, sourceport, targetip, targetport}
	wc.log = log.DefaultLogger
	wc.log.Context = log.NewContext(nil).Str("module", "wsconn").Strs("socket", wc.tuple).Value()
	wc.outbox = make(chan []byte, wc.config.OutboxSize)
	wc.quit = make(chan struct{})
	wc.writer = make(chan struct{})
	c.SetReadLimit(wc.config.ReadLimit)
	return wc
}

func (wc *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", wc.tuple)
}

func (wc *Conn) Send(data []byte) bool {
	if !wc.IsOpen() {
		return false
	}
	select {
	case wc.outbox <- data:
		return true
	default:
		atomic.AddUint64(&wc.dropped, 1)
		return false
	}
}

func (wc *Conn) IsOpen() bool {
	return atomic.LoadUint32(&wc.closed) == 0
}

// Close marks the transport closed and lets the writer flush what is
// already queued before sending the close frame.
func (wc *Conn) Close(code int, reason string) {
	wc.once.Do(func() {
		wc.code = websocket.StatusCode(code)
		wc.reason = reason
		atomic.StoreUint32(&wc.closed, 1)
		close(wc.quit)
	})
}

// Ping probes the peer in the background. A failed or timed out probe
// marks the transport closed.
func (wc *Conn) Ping() {
	if !wc.IsOpen() || !atomic.CompareAndSwapUint32(&wc.pinging, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreUint32(&wc.pinging, 0)
		ctx, cancel := context.WithTimeout(context.Background(), wc.config.PingTimeout)
		defer cancel()
		err := wc.c.Ping(ctx)
		if err != nil {
			wc.log.Debug().Err(err).Msg("ping failed")
			wc.Close(int(websocket.StatusGoingAway), "ping timeout")
		}
	}()
}

func (wc *Conn) Dropped() uint64 {
	return atomic.LoadUint64(&wc.dropped)
}

// Serve runs the read loop, handing every data frame to handler, until the
// socket fails or is closed. It returns once the writer has finished.
func (wc *Conn) Serve(handler func(frame []byte)) {
	go wc.writeLoop()
	for {
		_, msg, err := wc.c.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && wc.IsOpen() {
				wc.log.Debug().Err(err).Msg("read failed")
			}
			wc.Close(int(websocket.StatusNormalClosure), "")
			break
		}
		handler(msg)
	}
	<-wc.writer
}

func (wc *Conn) writeLoop() {
	defer close(wc.writer)
	for {
		select {
		case d := <-wc.outbox:
			if err := wc.write(d); err != nil {
				wc.log.Debug().Err(err).Msg("write failed")
				wc.Close(int(websocket.StatusInternalError), "write failed")
				wc.c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-wc.quit:
			wc.flush()
			err := wc.c.Close(wc.code, wc.reason)
			if err != nil {
				wc.log.Trace().Err(err).Msg("close")
			}
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (wc *Conn) flush() {
	for {
		select {
		case d := <-wc.outbox:
			if wc.write(d) != nil {
				return
			}
		default:
			return
		}
	}
}

func (wc *Conn) write(d []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wc.config.WriteTimeout)
	defer cancel()
	return wc.c.Write(ctx, websocket.MessageText, d)
}
