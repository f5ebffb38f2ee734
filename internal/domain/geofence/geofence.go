// Package geofence holds the terminal geofence registry and the detector that
// maps a coordinate to the terminal it belongs to.
//
// A Registry is immutable once built and safe for concurrent use.
package geofence

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/okian/fleetwatch/internal/domain/geo"
)

// TerminalID names a physical terminal.
type TerminalID string

// Geofence is a named circular region around a terminal.
type Geofence struct {
	Name         TerminalID `yaml:"name" json:"name" validate:"required"`
	Lat          float64    `yaml:"lat" json:"lat" validate:"gte=-90,lte=90"`
	Lon          float64    `yaml:"lon" json:"lon" validate:"gte=-180,lte=180"`
	RadiusMeters float64    `yaml:"radius_meters" json:"radiusMeters" validate:"gt=0"`
}

// Center returns the geofence center.
func (g Geofence) Center() geo.Coordinate {
	return geo.Coordinate{Lat: g.Lat, Lon: g.Lon}
}

// Match is a successful terminal detection.
type Match struct {
	Terminal       TerminalID `json:"terminal"`
	DistanceMeters int        `json:"distanceMeters"`
}

// Registry is an ordered, read-only set of geofences with unique names.
type Registry struct {
	fences []Geofence
}

var validate = validator.New()

// NewRegistry builds a registry preserving the given order.
func NewRegistry(fences ...Geofence) (*Registry, error) {
	seen := make(map[TerminalID]struct{}, len(fences))
	out := make([]Geofence, 0, len(fences))
	for i, g := range fences {
		if err := validate.Struct(g); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidGeofence, i, err)
		}
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, g.Name)
		}
		seen[g.Name] = struct{}{}
		out = append(out, g)
	}
	return &Registry{fences: out}, nil
}

// MustRegistry is NewRegistry that panics on error. For compiled-in tables.
func MustRegistry(fences ...Geofence) *Registry {
	r, err := NewRegistry(fences...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRegistry returns the compiled-in terminal geofences.
func DefaultRegistry() *Registry {
	return MustRegistry(
		Geofence{Name: "CENTRAL", Lat: 14.5995, Lon: 120.9842, RadiusMeters: 300},
		Geofence{Name: "NORTH", Lat: 14.6760, Lon: 121.0437, RadiusMeters: 250},
		Geofence{Name: "SOUTH", Lat: 14.4793, Lon: 121.0198, RadiusMeters: 250},
		Geofence{Name: "EAST", Lat: 14.5764, Lon: 121.0851, RadiusMeters: 200},
	)
}

// All returns a copy of the geofences in registry order.
func (r *Registry) All() []Geofence {
	out := make([]Geofence, len(r.fences))
	copy(out, r.fences)
	return out
}

// Len returns the number of geofences.
func (r *Registry) Len() int { return len(r.fences) }

// Lookup finds a geofence by name.
func (r *Registry) Lookup(name TerminalID) (Geofence, bool) {
	for _, g := range r.fences {
		if g.Name == name {
			return g, true
		}
	}
	return Geofence{}, false
}

type ranked struct {
	fence    Geofence
	distance float64
}

// rank orders geofences by distance to p. The sort is stable so equidistant
// geofences keep registry order.
func (r *Registry) rank(p geo.Coordinate) []ranked {
	out := make([]ranked, len(r.fences))
	for i, g := range r.fences {
		out[i] = ranked{fence: g, distance: geo.DistanceMeters(p, g.Center())}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].distance < out[j].distance })
	return out
}

// Detect returns the nearest geofence when p lies within its radius
// (boundary inclusive). ok is false when p is outside every terminal.
func (r *Registry) Detect(p geo.Coordinate) (m Match, ok bool) {
	candidates := r.rank(p)
	if len(candidates) == 0 {
		return Match{}, false
	}
	nearest := candidates[0]
	if nearest.distance > nearest.fence.RadiusMeters {
		return Match{}, false
	}
	return Match{Terminal: nearest.fence.Name, DistanceMeters: int(math.Round(nearest.distance))}, true
}

// Closest returns the nearest terminal regardless of radius. With an empty
// registry it returns "".
func (r *Registry) Closest(p geo.Coordinate) TerminalID {
	candidates := r.rank(p)
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].fence.Name
}
