package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeoutError is returned by a waiter when nothing matching its filter
// arrived before the deadline.
type TimeoutError struct {
	Topic    string
	WalletID string
	Filter   map[string]any
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"timed out after %s waiting for %q event on wallet %q matching %s",
		e.Timeout, e.Topic, e.WalletID, FormatFilter(e.Filter),
	)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// UpstreamConnectError is returned when the bus could not make its event
// source ready in time. Nothing can be awaited while it persists.
type UpstreamConnectError struct {
	Source  string
	Timeout time.Duration
	Err     error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream %s not ready within %s: %v", e.Source, e.Timeout, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}

func IsUpstreamConnect(err error) bool {
	var ue *UpstreamConnectError
	return errors.As(err, &ue)
}

// FormatFilter renders a filter with sorted keys so messages are stable.
func FormatFilter(filter map[string]any) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filter[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
