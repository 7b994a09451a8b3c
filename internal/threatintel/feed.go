package threatintel

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default_feeds.yaml
var defaultFeedsYAML []byte

// Feed describes one reputation source
type Feed struct {
	ID         string        `yaml:"id" json:"id"`
	Name       string        `yaml:"name" json:"name"`
	Client     string        `yaml:"client" json:"client"`
	Kinds      []Kind        `yaml:"kinds" json:"kinds"`
	URL        string        `yaml:"url,omitempty" json:"url,omitempty"`
	Category   string        `yaml:"category,omitempty" json:"category,omitempty"`
	Confidence float64       `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
	Priority   string        `yaml:"priority" json:"priority"`
	Enabled    bool          `yaml:"enabled" json:"enabled"`
}

// Serves reports whether the feed answers lookups of kind. A feed without
// kinds serves all of them.
func (f Feed) Serves(kind Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks the descriptor
func (f Feed) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("feed id is required")
	}
	if f.Interval <= 0 {
		return fmt.Errorf("feed %s: interval must be positive", f.ID)
	}
	for _, k := range f.Kinds {
		if _, err := ParseKind(string(k)); err != nil {
			return fmt.Errorf("feed %s: %w", f.ID, err)
		}
	}
	return nil
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "medium", "":
		return 1
	default:
		return 2
	}
}

// FeedClient queries a feed for one value. A value that is not listed
// returns (nil, nil).
type FeedClient interface {
	QueryFeed(ctx context.Context, feed Feed, kind Kind, value string) (*RawIndicator, error)
}

// BulkEntry is one listed value returned by a bulk fetch
type BulkEntry struct {
	Kind      Kind
	Value     string
	Indicator RawIndicator
}

// BulkFetcher is implemented by clients that can download a whole feed
type BulkFetcher interface {
	FetchFeed(ctx context.Context, feed Feed) ([]BulkEntry, error)
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds"`
}

// DefaultFeeds returns the built-in feed descriptors
func DefaultFeeds() ([]Feed, error) {
	return parseFeeds(defaultFeedsYAML)
}

// LoadFeeds reads feed descriptors from a YAML file
func LoadFeeds(path string) ([]Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}
	return parseFeeds(data)
}

func parseFeeds(data []byte) ([]Feed, error) {
	var f feedsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feeds: %w", err)
	}
	for _, feed := range f.Feeds {
		if err := feed.Validate(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(f.Feeds, func(i, j int) bool {
		return priorityRank(f.Feeds[i].Priority) < priorityRank(f.Feeds[j].Priority)
	})
	return f.Feeds, nil
}
