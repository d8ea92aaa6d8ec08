package stat

import (
	"sync"
	"sync/atomic"
	"time"

	"nuha.dev/busrelay/internal/relay/events"
)

type counter struct {
	base time.Time
	cnt  uint64
}

// series keeps per-interval counts in a ring.
type series struct {
	buf   [60]counter
	phead int
}

func (s *series) incr(amt uint64, f time.Time) {
	last := &s.buf[s.phead]
	if f.After(last.base) {
		if last.cnt != 0 {
			s.phead = s.phead + 1
			if s.phead == len(s.buf) {
				s.phead = 0
			}
		}
		s.buf[s.phead].base = f
		s.buf[s.phead].cnt = amt
	} else if f.Equal(last.base) {
		last.cnt = last.cnt + amt
	}
}

// samples returns the non-empty buckets, oldest first.
func (s *series) samples() []Sample {
	list := make([]Sample, 0, len(s.buf))
	for i := 1; i <= len(s.buf); i++ {
		c := s.buf[(s.phead+i)%len(s.buf)]
		if c.base.IsZero() {
			continue
		}
		list = append(list, Sample{Time: c.base, Count: c.cnt})
	}
	return list
}

type time_event struct {
	list [10]time.Time
	idx  int
	mu   sync.Mutex
}

func (l *time_event) log(t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = l.idx + 1
	if l.idx == len(l.list) {
		l.idx = 0
	}
	l.mu.Unlock()
}

// recent returns the logged times, newest first.
func (l *time_event) recent() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := make([]time.Time, 0, len(l.list))
	for i := 1; i <= len(l.list); i++ {
		t := l.list[(l.idx-i+len(l.list))%len(l.list)]
		if t.IsZero() {
			continue
		}
		list = append(list, t)
	}
	return list
}

type Sample struct {
	Time  time.Time `json:"time"`
	Count uint64    `json:"count"`
}

type Snapshot struct {
	Uptime             string      `json:"uptime"`
	Connects           uint64      `json:"connects"`
	Disconnects        uint64      `json:"disconnects"`
	Messages           uint64      `json:"messages"`
	Accepted           uint64      `json:"accepted"`
	Rejected           uint64      `json:"rejected"`
	Delivered          uint64      `json:"delivered"`
	BusOffline         uint64      `json:"busOffline"`
	MessagesPerMinute  []Sample    `json:"messagesPerMinute"`
	DeliveredPerMinute []Sample    `json:"deliveredPerMinute"`
	LastConnect        []time.Time `json:"lastConnect"`
	LastDisconnect     []time.Time `json:"lastDisconnect"`
}

// Stat aggregates relay activity for the monitoring endpoint. It is fed
// from event handlers and read from HTTP handlers, so it carries its own
// locks.
type Stat struct {
	connect    time_event
	disconnect time_event
	mu         sync.Mutex
	messages   series
	delivered  series
	dur        time.Duration
	now        func() time.Time

	connects     uint64
	disconnects  uint64
	message_cnt  uint64
	accepted     uint64
	rejected     uint64
	delivery_cnt uint64
	offline      uint64

	created time.Time
}

func NewStat() *Stat {
	o := &Stat{}
	o.dur = time.Minute
	o.now = time.Now
	o.created = o.now()
	return o
}

func (s *Stat) ConnectEv(t time.Time) {
	atomic.AddUint64(&s.connects, 1)
	s.connect.log(t)
}

func (s *Stat) DisconnectEv(t time.Time) {
	atomic.AddUint64(&s.disconnects, 1)
	s.disconnect.log(t)
}

func (s *Stat) MessageIncr(t time.Time) {
	atomic.AddUint64(&s.message_cnt, 1)
	s.mu.Lock()
	s.messages.incr(1, t.Truncate(s.dur))
	s.mu.Unlock()
}

func (s *Stat) DeliveredIncr(amt uint64, t time.Time) {
	atomic.AddUint64(&s.delivery_cnt, amt)
	if amt == 0 {
		return
	}
	s.mu.Lock()
	s.delivered.incr(amt, t.Truncate(s.dur))
	s.mu.Unlock()
}

// Handle consumes relay events. It matches the events.Bus handler
// signature.
func (s *Stat) Handle(topic string, data interface{}) {
	now := s.now()
	switch topic {
	case events.ConnectionOpened:
		s.ConnectEv(now)
	case events.ConnectionClosed:
		s.DisconnectEv(now)
	case events.MessageReceived:
		s.MessageIncr(now)
	case events.LocationAccepted:
		atomic.AddUint64(&s.accepted, 1)
	case events.LocationRejected:
		atomic.AddUint64(&s.rejected, 1)
	case events.LocationBroadcast:
		if b, ok := data.(events.Broadcast); ok {
			s.DeliveredIncr(uint64(b.Recipients), now)
		}
	case events.BusOffline:
		atomic.AddUint64(&s.offline, 1)
	}
}

func (s *Stat) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:         s.now().Sub(s.created).Truncate(time.Second).String(),
		Connects:       atomic.LoadUint64(&s.connects),
		Disconnects:    atomic.LoadUint64(&s.disconnects),
		Messages:       atomic.LoadUint64(&s.message_cnt),
		Accepted:       atomic.LoadUint64(&s.accepted),
		Rejected:       atomic.LoadUint64(&s.rejected),
		Delivered:      atomic.LoadUint64(&s.delivery_cnt),
		BusOffline:     atomic.LoadUint64(&s.offline),
		LastConnect:    s.connect.recent(),
		LastDisconnect: s.disconnect.recent(),
	}
	s.mu.Lock()
	snap.MessagesPerMinute = s.messages.samples()
	snap.DeliveredPerMinute = s.delivered.samples()
	s.mu.Unlock()
	return snap
}
