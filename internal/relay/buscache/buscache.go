package buscache

import (
	"sort"
	"time"

	"nuha.dev/busrelay/internal/relay/proto"
)

type DriverCounter interface {
	DriverCountFor(bus_id string) int
}

type entry struct {
	loc     proto.Location
	updated time.Time
}

// Cache holds the latest location per bus. Like the registry it is owned
// by the relay server's event loop and is not safe for concurrent use.
type Cache struct {
	list map[string]entry
}

func New() *Cache {
	return &Cache{list: make(map[string]entry)}
}

func (c *Cache) RecordLocation(bus_id string, loc proto.Location) {
	c.list[bus_id] = entry{loc: loc, updated: time.Now()}
}

func (c *Cache) Get(bus_id string) (proto.Location, bool) {
	e, ok := c.list[bus_id]
	return e.loc, ok
}

// Updated returns when the entry for bus_id was last written.
func (c *Cache) Updated(bus_id string) (time.Time, bool) {
	e, ok := c.list[bus_id]
	return e.updated, ok
}

// EvictIfNoDrivers drops the entry when no live driver is left for the bus
// and reports whether an entry was removed. Must be called after the
// departing driver is gone from the registry.
func (c *Cache) EvictIfNoDrivers(bus_id string, drivers DriverCounter) bool {
	if drivers.DriverCountFor(bus_id) > 0 {
		return false
	}
	_, ok := c.list[bus_id]
	delete(c.list, bus_id)
	return ok
}

func (c *Cache) ActiveBusIds() []string {
	ids := make([]string, 0, len(c.list))
	for id := range c.list {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) Len() int {
	return len(c.list)
}
