package geofence

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownZone = errors.New("unknown zone")

var defaultZones = []Zone{
	{Id: 1, Name: "Taj Mahal, Agra", Lat: 27.1751, Lon: 78.0421, Radius: 500},
	{Id: 2, Name: "Red Fort, Delhi", Lat: 28.6562, Lon: 77.2410, Radius: 400},
	{Id: 3, Name: "Gateway of India, Mumbai", Lat: 18.9220, Lon: 72.8347, Radius: 300},
	{Id: 4, Name: "Hawa Mahal, Jaipur", Lat: 26.9239, Lon: 75.8267, Radius: 300},
	{Id: 5, Name: "Golden Temple, Amritsar", Lat: 31.6200, Lon: 74.8765, Radius: 400},
	{Id: 6, Name: "India Gate, New Delhi", Lat: 28.6129, Lon: 77.2295, Radius: 400},
	{Id: 7, Name: "Mysore Palace, Mysore", Lat: 12.3051, Lon: 76.6551, Radius: 400},
}

// Catalog is an immutable set of zones keyed by id.
type Catalog struct {
	zones map[int]Zone
	order []int
}

func NewCatalog(zones []Zone) (*Catalog, error) {
	if len(zones) == 0 {
		return nil, errors.New("zone catalog is empty")
	}
	c := &Catalog{zones: make(map[int]Zone, len(zones))}
	for _, z := range zones {
		if _, ok := c.zones[z.Id]; ok {
			return nil, fmt.Errorf("duplicate zone id %d", z.Id)
		}
		if _, err := NewPoint(z.Lat, z.Lon); err != nil {
			return nil, fmt.Errorf("zone %d center: %w", z.Id, err)
		}
		if !(z.Radius > 0) {
			return nil, fmt.Errorf("zone %d: radius must be positive", z.Id)
		}
		c.zones[z.Id] = z
		c.order = append(c.order, z.Id)
	}
	sort.Ints(c.order)
	return c, nil
}

func Default() *Catalog {
	c, err := NewCatalog(defaultZones)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Get(id int) (Zone, error) {
	z, ok := c.zones[id]
	if !ok {
		return Zone{}, fmt.Errorf("%w: %d", ErrUnknownZone, id)
	}
	return z, nil
}

func (c *Catalog) Has(id int) bool {
	_, ok := c.zones[id]
	return ok
}

// List returns the zones ordered by id.
func (c *Catalog) List() []Zone {
	out := make([]Zone, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.zones[id])
	}
	return out
}

// First is the lowest id zone, used when a tourist is created without one.
func (c *Catalog) First() Zone {
	return c.zones[c.order[0]]
}
