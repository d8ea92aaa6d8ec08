package registry

import (
	"errors"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type nopLink struct{}

func (nopLink) Send(data []byte) bool        { return true }
func (nopLink) IsOpen() bool                 { return true }
func (nopLink) Close(code int, reason string) {}
func (nopLink) Ping()                        {}

func counterIds() func() string {
	n := 0
	return func() string {
		n++
		return "c" + strconv.Itoa(n)
	}
}

func TestOpenDefaults(t *testing.T) {
	r := New(counterIds())
	id := r.Open(nopLink{})
	c, ok := r.Get(id)
	if !ok {
		t.Fatal("connection not found after open")
	}
	if c.Role != Passenger || c.UserId != "" || c.BusId != "" || c.Registered {
		t.Errorf("unexpected defaults %+v", c)
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestOpenSkipsTakenIds(t *testing.T) {
	ids := []string{"a", "a", "b"}
	i := 0
	r := New(func() string { id := ids[i]; i++; return id })
	first := r.Open(nopLink{})
	second := r.Open(nopLink{})
	if first != "a" || second != "b" {
		t.Errorf("expected a and b, got %s and %s", first, second)
	}
}

func TestRegisterErrors(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		user   string
		bus    string
		expect error
	}{
		{"missing user", Passenger, "", "", ErrMissingUserId},
		{"driver without bus", Driver, "d1", "", ErrMissingBusId},
		{"passenger with bus", Passenger, "p1", "bus_001", ErrUnexpectedBusId},
		{"admin with bus", Admin, "a1", "bus_001", ErrUnexpectedBusId},
		{"driver", Driver, "d1", "bus_001", nil},
		{"passenger", Passenger, "p1", "", nil},
		{"admin", Admin, "a1", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(counterIds())
			id := r.Open(nopLink{})
			c, err := r.Register(id, tc.role, tc.user, tc.bus)
			if !errors.Is(err, tc.expect) {
				t.Fatalf("expected %v, got %v", tc.expect, err)
			}
			if err != nil {
				after, _ := r.Get(id)
				if after.Registered || after.Role != Passenger || after.UserId != "" || after.BusId != "" {
					t.Errorf("failed registration mutated connection: %+v", after)
				}
				return
			}
			if c.Role != tc.role || c.UserId != tc.user || c.BusId != tc.bus || !c.Registered {
				t.Errorf("unexpected registration result %+v", c)
			}
		})
	}
}

func TestRegisterUnknownConnection(t *testing.T) {
	r := New(counterIds())
	_, err := r.Register("nope", Passenger, "p1", "")
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestDuplicateUserId(t *testing.T) {
	r := New(counterIds())
	a := r.Open(nopLink{})
	b := r.Open(nopLink{})
	if _, err := r.Register(a, Driver, "driver_123", "bus_001"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(b, Driver, "driver_123", "bus_002")
	if !errors.Is(err, ErrDuplicateUserId) {
		t.Fatalf("expected ErrDuplicateUserId, got %v", err)
	}
	cb, _ := r.Get(b)
	if cb.Role != Passenger || cb.BusId != "" || cb.UserId != "" {
		t.Errorf("rejected connection changed: %+v", cb)
	}
	ca, _ := r.Get(a)
	if ca.UserId != "driver_123" || ca.BusId != "bus_001" || ca.Role != Driver {
		t.Errorf("original registration changed: %+v", ca)
	}

	// the user id becomes free once the holder disconnects
	r.Close(a)
	if _, err := r.Register(b, Driver, "driver_123", "bus_002"); err != nil {
		t.Errorf("expected user id to be released, got %v", err)
	}
}

func TestReregisterReleasesOldUserId(t *testing.T) {
	r := New(counterIds())
	a := r.Open(nopLink{})
	b := r.Open(nopLink{})
	if _, err := r.Register(a, Passenger, "old", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(a, Passenger, "new", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(b, Passenger, "old", ""); err != nil {
		t.Errorf("old user id should be free after re-registration: %v", err)
	}
	if _, err := r.Register(b, Passenger, "new", ""); !errors.Is(err, ErrDuplicateUserId) {
		t.Errorf("expected duplicate for new user id, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	r := New(counterIds())
	id := r.Open(nopLink{})
	r.Register(id, Driver, "d1", "bus_001")
	c, ok := r.Close(id)
	if !ok || c.UserId != "d1" || c.BusId != "bus_001" {
		t.Errorf("unexpected close snapshot %+v %v", c, ok)
	}
	_, ok = r.Close(id)
	if ok {
		t.Error("second close should be a no-op")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestDriverCountFor(t *testing.T) {
	r := New(counterIds())
	a := r.Open(nopLink{})
	b := r.Open(nopLink{})
	c := r.Open(nopLink{})
	r.Register(a, Driver, "d1", "bus_001")
	r.Register(b, Driver, "d2", "bus_001")
	r.Register(c, Driver, "d3", "bus_002")
	if n := r.DriverCountFor("bus_001"); n != 2 {
		t.Errorf("expected 2 drivers, got %d", n)
	}
	r.Close(a)
	if n := r.DriverCountFor("bus_001"); n != 1 {
		t.Errorf("expected 1 driver, got %d", n)
	}
	if n := r.DriverCountFor("bus_003"); n != 0 {
		t.Errorf("expected 0 drivers, got %d", n)
	}
}

func TestSnapshotOrder(t *testing.T) {
	r := New(counterIds())
	var opened []string
	for i := 0; i < 20; i++ {
		opened = append(opened, r.Open(nopLink{}))
	}
	r.Close(opened[3])
	r.Close(opened[11])
	ids := r.Ids()
	if len(ids) != 18 {
		t.Fatalf("expected 18 ids, got %d", len(ids))
	}
	j := 0
	for i, id := range opened {
		if i == 3 || i == 11 {
			continue
		}
		if ids[j] != id {
			t.Fatalf("position %d: expected %s, got %s", j, id, ids[j])
		}
		j++
	}
}

func TestParseRole(t *testing.T) {
	for _, tc := range []struct {
		in   string
		role Role
		err  error
	}{
		{"", Passenger, nil},
		{"passenger", Passenger, nil},
		{"bus_driver", Driver, nil},
		{"admin", Admin, nil},
		{"pilot", Passenger, ErrInvalidRole},
	} {
		role, err := ParseRole(tc.in)
		if role != tc.role || !errors.Is(err, tc.err) {
			t.Errorf("ParseRole(%q) = %v, %v", tc.in, role, err)
		}
	}
}

// Random register/close sequences never leave two live connections holding
// the same user id.
func TestUserIdUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("user ids stay unique among live connections", prop.ForAll(
		func(ops []int) bool {
			r := New(counterIds())
			var ids []string
			for i := 0; i < 5; i++ {
				ids = append(ids, r.Open(nopLink{}))
			}
			for _, op := range ops {
				conn := ids[op%len(ids)]
				user := "u" + strconv.Itoa((op/5)%3)
				if op%7 == 0 {
					r.Close(conn)
					ids = append(ids, r.Open(nopLink{}))
					continue
				}
				r.Register(conn, Passenger, user, "")
			}
			seen := map[string]bool{}
			for _, c := range r.Snapshot() {
				if c.UserId == "" {
					continue
				}
				if seen[c.UserId] {
					return false
				}
				seen[c.UserId] = true
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
