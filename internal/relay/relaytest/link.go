// Package relaytest provides an in-memory transport for relay tests.
package relaytest

import (
	"strconv"
	"sync"

	"nuha.dev/busrelay/internal/relay/proto"
)

// Link records every frame sent to it.
type Link struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
	pings  int
}

func NewLink() *Link {
	return &Link{}
}

func (l *Link) Send(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	l.frames = append(l.frames, cp)
	return true
}

func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *Link) Close(code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.code = code
	l.reason = reason
}

func (l *Link) Ping() {
	l.mu.Lock()
	l.pings++
	l.mu.Unlock()
}

// Kill marks the link dead without a close handshake, like a peer that
// vanished.
func (l *Link) Kill() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *Link) Pings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pings
}

func (l *Link) CloseCode() (int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code, l.reason
}

// Messages decodes every recorded frame. Frames that fail to decode are
// skipped.
func (l *Link) Messages() []*proto.Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := make([]*proto.Outbound, 0, len(l.frames))
	for _, f := range l.frames {
		m, err := proto.DecodeOutbound(f)
		if err != nil {
			continue
		}
		list = append(list, m)
	}
	return list
}

func (l *Link) OfType(typ string) []*proto.Outbound {
	var list []*proto.Outbound
	for _, m := range l.Messages() {
		if m.Type == typ {
			list = append(list, m)
		}
	}
	return list
}

// Last returns the most recent message, or nil.
func (l *Link) Last() *proto.Outbound {
	m := l.Messages()
	if len(m) == 0 {
		return nil
	}
	return m[len(m)-1]
}

func (l *Link) Reset() {
	l.mu.Lock()
	l.frames = nil
	l.mu.Unlock()
}

// Ids returns a generator yielding c1, c2, ...
func Ids() func() string {
	n := 0
	return func() string {
		n++
		return "c" + strconv.Itoa(n)
	}
}
