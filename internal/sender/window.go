// Package sender schedules outreach messages into a daily send window and
// delivers them over one of two SMTP channels chosen by MX classification.
package sender

import (
	"fmt"
	"time"
)

// Window is a daily local-time interval in which sending is allowed.
// Bounds are inclusive.
type Window struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
	Location               *time.Location
}

// DefaultWindow allows sending between 09:10 and 19:45 local time.
func DefaultWindow(loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	return Window{StartHour: 9, StartMinute: 10, EndHour: 19, EndMinute: 45, Location: loc}
}

// ParseWindow builds a window from "HH:MM" bounds.
func ParseWindow(start, end string, loc *time.Location) (Window, error) {
	w := Window{Location: loc}
	if _, err := fmt.Sscanf(start, "%d:%d", &w.StartHour, &w.StartMinute); err != nil {
		return w, fmt.Errorf("invalid window start %q: %w", start, err)
	}
	if _, err := fmt.Sscanf(end, "%d:%d", &w.EndHour, &w.EndMinute); err != nil {
		return w, fmt.Errorf("invalid window end %q: %w", end, err)
	}
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 ||
		w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return w, fmt.Errorf("window %s-%s out of range", start, end)
	}
	return w, nil
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// StartOn returns the window opening on the day of t.
func (w Window) StartOn(t time.Time) time.Time {
	local := t.In(w.location())
	return time.Date(local.Year(), local.Month(), local.Day(),
		w.StartHour, w.StartMinute, 0, 0, w.location())
}

// EndOn returns the window closing on the day of t.
func (w Window) EndOn(t time.Time) time.Time {
	local := t.In(w.location())
	return time.Date(local.Year(), local.Month(), local.Day(),
		w.EndHour, w.EndMinute, 0, 0, w.location())
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.location())
	return !local.Before(w.StartOn(local)) && !local.After(w.EndOn(local))
}

// NextOpen returns the earliest in-window instant at or after t.
func (w Window) NextOpen(t time.Time) time.Time {
	local := t.In(w.location())
	start := w.StartOn(local)
	end := w.EndOn(local)
	switch {
	case local.Before(start):
		return start
	case local.After(end):
		return start.AddDate(0, 0, 1)
	default:
		return local
	}
}
