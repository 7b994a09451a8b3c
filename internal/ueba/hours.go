package ueba

import (
	"fmt"
	"strconv"
	"strings"
)

// HourWindow is a half-open range of hours [Start, End). A window whose Start
// is after its End wraps midnight.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// DefaultOffHours covers 00:00 to 05:59
var DefaultOffHours = HourWindow{Start: 0, End: 6}

// ParseHourWindow parses "start_hour,end_hour" in 24h format
func ParseHourWindow(s string) (HourWindow, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return HourWindow{}, fmt.Errorf("invalid hour window %q, expected start,end", s)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return HourWindow{}, fmt.Errorf("invalid start hour %q: %w", parts[0], err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return HourWindow{}, fmt.Errorf("invalid end hour %q: %w", parts[1], err)
	}
	if start < 0 || start > 23 || end < 0 || end > 24 {
		return HourWindow{}, fmt.Errorf("hour window %q out of range", s)
	}
	return HourWindow{Start: start, End: end}, nil
}

// Contains reports whether hour falls inside the window
func (w HourWindow) Contains(hour int) bool {
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	// overnight
	return hour >= w.Start || hour < w.End
}

func (w HourWindow) String() string {
	return fmt.Sprintf("%d,%d", w.Start, w.End)
}
