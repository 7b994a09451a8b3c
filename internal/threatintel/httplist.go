package threatintel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// HTTPListFeed downloads a newline separated IP list. Every listed address
// is reported with the feed's category and confidence. Lookups are answered
// from the last downloaded list.
type HTTPListFeed struct {
	client *http.Client
	set    atomic.Pointer[map[string]struct{}]
}

// NewHTTPListFeed creates a list feed client
func NewHTTPListFeed(client *http.Client) *HTTPListFeed {
	if client == nil {
		client = http.DefaultClient
	}
	f := &HTTPListFeed{client: client}
	empty := make(map[string]struct{})
	f.set.Store(&empty)
	return f
}

func (f *HTTPListFeed) QueryFeed(_ context.Context, feed Feed, kind Kind, value string) (*RawIndicator, error) {
	if kind != KindIP {
		return nil, nil
	}
	if _, ok := (*f.set.Load())[value]; !ok {
		return nil, nil
	}
	return &RawIndicator{Category: feed.Category, Confidence: feed.Confidence}, nil
}

func (f *HTTPListFeed) FetchFeed(ctx context.Context, feed Feed) ([]BulkEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", feed.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d for %s", resp.StatusCode, feed.URL)
	}

	fresh := make(map[string]struct{})
	var out []BulkEntry
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ip := net.ParseIP(strings.Fields(line)[0])
		if ip == nil {
			continue
		}
		v := ip.String()
		if _, dup := fresh[v]; dup {
			continue
		}
		fresh[v] = struct{}{}
		out = append(out, BulkEntry{
			Kind:      KindIP,
			Value:     v,
			Indicator: RawIndicator{Category: feed.Category, Confidence: feed.Confidence},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", feed.URL, err)
	}

	f.set.Store(&fresh)
	return out, nil
}
