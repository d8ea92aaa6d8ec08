package sublist

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSubscribe(t *testing.T) {
	s := NewIndex()
	if prev := s.Subscribe("c1", "bus_001"); prev != "" {
		t.Errorf("expected no previous subscription, got %s", prev)
	}
	s.Subscribe("c2", "bus_001")
	if !reflect.DeepEqual(s.SubscribersOf("bus_001"), []string{"c1", "c2"}) {
		t.Errorf("unexpected subscribers %v", s.SubscribersOf("bus_001"))
	}
}

func TestSubscribeMoves(t *testing.T) {
	s := NewIndex()
	s.Subscribe("c1", "A")
	s.Subscribe("c2", "A")
	prev := s.Subscribe("c1", "B")
	if prev != "A" {
		t.Errorf("expected previous A, got %s", prev)
	}
	if !reflect.DeepEqual(s.SubscribersOf("A"), []string{"c2"}) {
		t.Errorf("c1 still in A: %v", s.SubscribersOf("A"))
	}
	if !reflect.DeepEqual(s.SubscribersOf("B"), []string{"c1"}) {
		t.Errorf("c1 missing from B: %v", s.SubscribersOf("B"))
	}
	bus_id, ok := s.SubscriptionOf("c1")
	if !ok || bus_id != "B" {
		t.Errorf("unexpected subscription %s %v", bus_id, ok)
	}
}

func TestPruneOnEmpty(t *testing.T) {
	s := NewIndex()
	s.Subscribe("c1", "A")
	s.Subscribe("c1", "B")
	if s.Len() != 1 {
		t.Errorf("expected A pruned, have %d buses", s.Len())
	}
	s.Unsubscribe("c1")
	if s.Len() != 0 || s.Subscriptions() != 0 {
		t.Errorf("expected empty index, have %d buses %d subscriptions", s.Len(), s.Subscriptions())
	}
	if len(s.SubscribersOf("B")) != 0 {
		t.Error("B still has subscribers")
	}
}

func TestResubscribeSameBus(t *testing.T) {
	s := NewIndex()
	s.Subscribe("c1", "A")
	prev := s.Subscribe("c1", "A")
	if prev != "A" {
		t.Errorf("expected previous A, got %s", prev)
	}
	if !reflect.DeepEqual(s.SubscribersOf("A"), []string{"c1"}) || s.Subscriptions() != 1 {
		t.Errorf("re-subscribe changed state: %v", s.SubscribersOf("A"))
	}
}

func TestUnsubscribeNoop(t *testing.T) {
	s := NewIndex()
	bus_id, ok := s.Unsubscribe("nobody")
	if ok || bus_id != "" {
		t.Errorf("expected no-op, got %s %v", bus_id, ok)
	}
}

func TestSubscribersOfIsCopy(t *testing.T) {
	s := NewIndex()
	s.Subscribe("c1", "A")
	snap := s.SubscribersOf("A")
	s.Subscribe("c2", "A")
	if len(snap) != 1 {
		t.Errorf("snapshot changed after later subscribe: %v", snap)
	}
}

// Under any sequence of subscribe/unsubscribe calls every connection shows
// up in at most one list, and that list matches SubscriptionOf.
func TestSingleSubscriptionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("connection is in at most one subscriber list", prop.ForAll(
		func(ops []int) bool {
			s := NewIndex()
			buses := []string{"A", "B", "C", "D"}
			for _, op := range ops {
				cid := "c" + strconv.Itoa(op%6)
				if op%5 == 0 {
					s.Unsubscribe(cid)
				} else {
					s.Subscribe(cid, buses[(op/6)%len(buses)])
				}
			}
			seen := map[string]string{}
			for _, b := range buses {
				subs := s.SubscribersOf(b)
				if _, present := s.list[b]; present && len(subs) == 0 {
					return false
				}
				for _, cid := range subs {
					if _, dup := seen[cid]; dup {
						return false
					}
					seen[cid] = b
				}
			}
			for cid, b := range seen {
				if cur, ok := s.SubscriptionOf(cid); !ok || cur != b {
					return false
				}
			}
			return len(seen) == s.Subscriptions()
		},
		gen.SliceOf(gen.IntRange(0, 500)),
	))

	properties.TestingRun(t)
}

func BenchmarkSubscribersOf(b *testing.B) {
	s := NewIndex()
	for i := 0; i < 100; i++ {
		s.Subscribe("c"+strconv.Itoa(i), "A")
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.SubscribersOf("A")
	}
}
