package cli

import (
	"fmt"
	"time"

	"xchain-radar/internal/flows"
)

// parseDay accepts YYYY-MM-DD. An empty value yields the zero time, which means yesterday.
func parseDay(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	day, err := flows.ParseDay(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return day, nil
}

// parseRange requires both ends and from <= to.
func parseRange(from, to string) (time.Time, time.Time, error) {
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be provided")
	}
	start, err := parseDay("from", from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDay("to", to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must not be after --to")
	}
	return start, end, nil
}
