package sublist

import "sort"

// Index maps a bus id to the connections subscribed to it. A connection is
// in at most one bus's list. Not safe for concurrent use.
type Index struct {
	list   map[string]map[string]struct{}
	byConn map[string]string
}

func NewIndex() *Index {
	return &Index{
		list:   make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Subscribe moves cid onto bus_id's list, dropping any previous
// subscription first. It returns the previous bus id, if any.
func (s *Index) Subscribe(cid string, bus_id string) string {
	prev, _ := s.Unsubscribe(cid)
	l, ok := s.list[bus_id]
	if !ok {
		l = make(map[string]struct{})
		s.list[bus_id] = l
	}
	l[cid] = struct{}{}
	s.byConn[cid] = bus_id
	return prev
}

func (s *Index) Unsubscribe(cid string) (string, bool) {
	bus_id, ok := s.byConn[cid]
	if !ok {
		return "", false
	}
	delete(s.byConn, cid)
	l := s.list[bus_id]
	delete(l, cid)
	if len(l) == 0 {
		delete(s.list, bus_id)
	}
	return bus_id, true
}

// SubscribersOf returns a sorted copy of bus_id's subscriber list.
func (s *Index) SubscribersOf(bus_id string) []string {
	l := s.list[bus_id]
	ids := make([]string, 0, len(l))
	for cid := range l {
		ids = append(ids, cid)
	}
	sort.Strings(ids)
	return ids
}

func (s *Index) SubscriptionOf(cid string) (string, bool) {
	bus_id, ok := s.byConn[cid]
	return bus_id, ok
}

// Len returns the number of buses with at least one subscriber.
func (s *Index) Len() int {
	return len(s.list)
}

// Subscriptions returns the number of subscribed connections.
func (s *Index) Subscriptions() int {
	return len(s.byConn)
}
