package ueba

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
)

// Location is the coarse geolocation of a source IP
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Private bool   `json:"private"`
}

const unknownPlace = "Unknown"

var unknownLocation = Location{Country: unknownPlace, City: unknownPlace}

// GeoResolver maps a public IP to a coarse location
type GeoResolver interface {
	Resolve(ctx context.Context, ip net.IP) (Location, error)
}

// NullResolver resolves every address to Unknown/Unknown.
// Use this when no geolocation data is available.
type NullResolver struct{}

func (NullResolver) Resolve(context.Context, net.IP) (Location, error) {
	return unknownLocation, nil
}

// OctetResolver buckets IPv4 addresses by first octet into a handful of
// fixed locations. It is intended for demos and local testing.
type OctetResolver struct{}

func (OctetResolver) Resolve(_ context.Context, ip net.IP) (Location, error) {
	v4 := ip.To4()
	if v4 == nil {
		return unknownLocation, nil
	}
	switch first := v4[0]; {
	case first >= 1 && first <= 50:
		return Location{Country: "United States", City: "New York"}, nil
	case first >= 51 && first <= 100:
		return Location{Country: "Brazil", City: "São Paulo"}, nil
	case first >= 101 && first <= 150:
		return Location{Country: "Germany", City: "Berlin"}, nil
	}
	return unknownLocation, nil
}

// NewResolver selects a resolver by mode: "none" resolves nothing, "octet"
// buckets by first octet and "csv" loads csvPath. An empty mode picks csv
// when a path is given and octet otherwise.
func NewResolver(mode, csvPath string) (GeoResolver, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "octet"
		if csvPath != "" {
			mode = "csv"
		}
	}
	switch mode {
	case "none":
		return NullResolver{}, nil
	case "octet":
		return OctetResolver{}, nil
	case "csv":
		if csvPath == "" {
			return nil, errors.New("csv geolocation requires a file path")
		}
		return NewCSVResolver(csvPath)
	}
	return nil, fmt.Errorf("unknown geolocation mode %q", mode)
}

// CSVResolver loads CIDR to location mappings from a CSV file.
// Expected format: cidr,country,city (e.g. "203.0.113.0/24,Australia,Sydney").
type CSVResolver struct {
	filePath string
	mu       sync.RWMutex
	entries  []cidrLocation
}

type cidrLocation struct {
	network  *net.IPNet
	location Location
}

// NewCSVResolver creates a resolver backed by filePath
func NewCSVResolver(filePath string) (*CSVResolver, error) {
	r := &CSVResolver{filePath: filePath}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the CSV file and swaps the mapping in
func (r *CSVResolver) Reload() error {
	file, err := os.Open(r.filePath)
	if err != nil {
		return fmt.Errorf("failed to open geolocation file: %w", err)
	}
	defer file.Close()

	entries, err := parseCIDRLocations(file)
	if err != nil {
		return fmt.Errorf("failed to parse geolocation file %s: %w", r.filePath, err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

func parseCIDRLocations(in io.Reader) ([]cidrLocation, error) {
	reader := csv.NewReader(bufio.NewReader(in))
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	var entries []cidrLocation
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 3 {
			continue
		}
		_, network, err := net.ParseCIDR(strings.TrimSpace(record[0]))
		if err != nil {
			// header row or garbage
			continue
		}
		entries = append(entries, cidrLocation{
			network: network,
			location: Location{
				Country: strings.TrimSpace(record[1]),
				City:    strings.TrimSpace(record[2]),
			},
		})
	}
	return entries, nil
}

// Resolve returns the location of the most specific matching network
func (r *CSVResolver) Resolve(_ context.Context, ip net.IP) (Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := unknownLocation
	bestBits := -1
	for _, e := range r.entries {
		if !e.network.Contains(ip) {
			continue
		}
		if bits, _ := e.network.Mask.Size(); bits > bestBits {
			best, bestBits = e.location, bits
		}
	}
	return best, nil
}

// Count returns the number of loaded networks
func (r *CSVResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// locate resolves ip to a location. Private ranges never reach the resolver.
func locate(ctx context.Context, resolver GeoResolver, raw string) (Location, error) {
	if raw == "" {
		return Location{}, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return unknownLocation, nil
	}
	if isPrivateIP(ip) {
		return Location{Country: "Local", City: "Private Network", Private: true}, nil
	}
	if resolver == nil {
		return unknownLocation, nil
	}
	loc, err := resolver.Resolve(ctx, ip)
	if err != nil {
		return Location{}, fmt.Errorf("failed to resolve %s: %w", raw, err)
	}
	if loc.Country == "" {
		loc.Country = unknownPlace
	}
	if loc.City == "" {
		loc.City = unknownPlace
	}
	return loc, nil
}
