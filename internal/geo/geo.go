// Package geo resolves source IPs to coarse geography.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/Micca1978/ztengine/pkg/types"
)

// Resolver maps an IP address to a location.
type Resolver interface {
	Resolve(ip string) (*types.Geography, error)
}

// MaxMind resolves locations from a GeoIP2/GeoLite2 City database.
type MaxMind struct {
	db *geoip2.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMind, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", path, err)
	}
	return &MaxMind{db: db}, nil
}

// Resolve looks up the country and English city name for ip.
func (m *MaxMind) Resolve(ip string) (*types.Geography, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	record, err := m.db.City(parsedIP)
	if err != nil {
		return nil, fmt.Errorf("GeoIP lookup failed: %w", err)
	}

	g := &types.Geography{Country: record.Country.IsoCode}
	if name, ok := record.City.Names["en"]; ok {
		g.City = name
	}
	return g, nil
}

// Close releases the database.
func (m *MaxMind) Close() error {
	return m.db.Close()
}

// Static resolves from a fixed table, for tests and air-gapped setups.
type Static map[string]types.Geography

// Resolve returns the table entry for ip.
func (s Static) Resolve(ip string) (*types.Geography, error) {
	g, ok := s[ip]
	if !ok {
		return nil, fmt.Errorf("no location for %s", ip)
	}
	return &g, nil
}
