package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Service provides GeoIP lookup functionality
type Service struct {
	db *geoip2.Reader
}

// LocationInfo contains geographic information about an IP
type LocationInfo struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Open opens a GeoLite2/GeoIP2 City or Country database. An empty path
// returns a disabled service whose lookups find nothing.
func Open(path string) (*Service, error) {
	if path == "" {
		return &Service{}, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}

	return &Service{db: db}, nil
}

// Enabled reports whether a database is loaded.
func (s *Service) Enabled() bool {
	return s != nil && s.db != nil
}

// Country returns the English country name for an IP address, or "" when
// it cannot be resolved.
func (s *Service) Country(ipStr string) string {
	info, err := s.Lookup(ipStr)
	if err != nil {
		return ""
	}
	return info.Country
}

// Lookup returns location information for an IP
func (s *Service) Lookup(ipStr string) (*LocationInfo, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("GeoIP database not available")
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	// Country databases have no city records.
	if s.db.Metadata().DatabaseType == "GeoLite2-Country" || s.db.Metadata().DatabaseType == "GeoIP2-Country" {
		record, err := s.db.Country(ip)
		if err != nil {
			return nil, err
		}
		return &LocationInfo{
			Country:     record.Country.Names["en"],
			CountryCode: record.Country.IsoCode,
		}, nil
	}

	record, err := s.db.City(ip)
	if err != nil {
		return nil, err
	}

	return &LocationInfo{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}, nil
}

// Close closes the GeoIP database
func (s *Service) Close() error {
	if s.Enabled() {
		return s.db.Close()
	}
	return nil
}
