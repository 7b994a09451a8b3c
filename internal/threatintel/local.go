package threatintel

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed known_bad.yaml
var knownBadYAML []byte

type knownBadEntry struct {
	Value      string  `yaml:"value"`
	Category   string  `yaml:"category"`
	Confidence float64 `yaml:"confidence"`
}

type knownBadFile struct {
	IPs     []knownBadEntry `yaml:"ips"`
	Domains []knownBadEntry `yaml:"domains"`
	Hashes  []knownBadEntry `yaml:"hashes"`
}

// LocalFeed serves a static known-bad list held in memory
type LocalFeed struct {
	entries map[Kind]map[string]RawIndicator
}

// NewLocalFeed loads the built-in known-bad list
func NewLocalFeed() (*LocalFeed, error) {
	return parseLocalFeed(knownBadYAML)
}

// LoadLocalFeed loads a known-bad list from a YAML file
func LoadLocalFeed(path string) (*LocalFeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator file: %w", err)
	}
	return parseLocalFeed(data)
}

func parseLocalFeed(data []byte) (*LocalFeed, error) {
	var f knownBadFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse indicator file: %w", err)
	}

	lf := &LocalFeed{entries: make(map[Kind]map[string]RawIndicator)}
	add := func(kind Kind, list []knownBadEntry) error {
		m := make(map[string]RawIndicator, len(list))
		for _, e := range list {
			v, ok := normalizeValue(kind, e.Value)
			if !ok {
				return fmt.Errorf("invalid %s indicator %q", kind, e.Value)
			}
			m[v] = RawIndicator{Category: e.Category, Confidence: e.Confidence}
		}
		lf.entries[kind] = m
		return nil
	}
	if err := add(KindIP, f.IPs); err != nil {
		return nil, err
	}
	if err := add(KindDomain, f.Domains); err != nil {
		return nil, err
	}
	if err := add(KindHash, f.Hashes); err != nil {
		return nil, err
	}
	return lf, nil
}

// Len returns the number of listed values
func (f *LocalFeed) Len() int {
	n := 0
	for _, m := range f.entries {
		n += len(m)
	}
	return n
}

func (f *LocalFeed) QueryFeed(_ context.Context, _ Feed, kind Kind, value string) (*RawIndicator, error) {
	raw, ok := f.entries[kind][value]
	if !ok {
		return nil, nil
	}
	return &raw, nil
}

func (f *LocalFeed) FetchFeed(_ context.Context, feed Feed) ([]BulkEntry, error) {
	var out []BulkEntry
	for kind, m := range f.entries {
		if !feed.Serves(kind) {
			continue
		}
		for v, raw := range m {
			out = append(out, BulkEntry{Kind: kind, Value: v, Indicator: raw})
		}
	}
	return out, nil
}
