package geofence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// file is the on-disk layout of a geofence override file:
//
//	geofences:
//	  - name: CENTRAL
//	    lat: 14.5995
//	    lon: 120.9842
//	    radius_meters: 300
type file struct {
	Geofences []Geofence `yaml:"geofences"`
}

// LoadFile reads a YAML geofence file and builds a registry from it, keeping
// file order.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geofence file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse geofence file: %w", err)
	}
	if len(f.Geofences) == 0 {
		return nil, ErrEmptyRegistry
	}
	return NewRegistry(f.Geofences...)
}
