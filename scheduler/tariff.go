// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package scheduler decides inverter operating modes from time-of-use
// tariff windows, battery state of charge and the PV outlook, and emits
// idempotent register writes through the command queue.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tariff window kinds. Cheap windows are where grid charging happens, peak
// windows are where a time-based policy discharges into the house load.
const (
	WindowCheap  = "cheap"
	WindowNormal = "normal"
	WindowPeak   = "peak"
)

// Window is one tariff period. Times are local HH:MM; a window whose end is
// at or before its start wraps past midnight. When windows overlap, the
// lowest Priority value wins; ties keep configuration order.
type Window struct {
	Name               string  `yaml:"name" validate:"required"`
	Start              string  `yaml:"start" validate:"required"`
	End                string  `yaml:"end" validate:"required"`
	Kind               string  `yaml:"kind" validate:"omitempty,oneof=cheap normal peak"`
	Priority           int     `yaml:"priority"`
	RatePerKWh         float64 `yaml:"rate_per_kwh" validate:"gte=0"`
	GridChargeAllowed  bool    `yaml:"grid_charge_allowed"`
	AllowDischarge     bool    `yaml:"allow_discharge"`
	PeakShavingEnabled bool    `yaml:"peak_shaving_enabled"`

	startMin int
	endMin   int
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// contains reports whether the minute-of-day falls inside the window,
// honoring midnight wrap.
func (w *Window) contains(minute int) bool {
	if w.startMin == w.endMin {
		return false
	}
	if w.startMin < w.endMin {
		return minute >= w.startMin && minute < w.endMin
	}
	// wraps midnight
	return minute >= w.startMin || minute < w.endMin
}

// minutesUntilEnd returns how many minutes remain until the window closes.
func (w *Window) minutesUntilEnd(minute int) int {
	if !w.contains(minute) {
		return 0
	}
	if w.startMin < w.endMin {
		return w.endMin - minute
	}
	if minute >= w.startMin {
		return (24*60 - minute) + w.endMin
	}
	return w.endMin - minute
}

// Tariff is an ordered set of windows.
type Tariff struct {
	windows []Window
}

// NewTariff validates and compiles the window set.
func NewTariff(windows []Window) (*Tariff, error) {
	compiled := make([]Window, len(windows))
	for i, w := range windows {
		start, err := parseHHMM(w.Start)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", w.Name, err)
		}
		end, err := parseHHMM(w.End)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", w.Name, err)
		}
		w.startMin, w.endMin = start, end
		switch w.Kind {
		case "":
			if w.GridChargeAllowed {
				w.Kind = WindowCheap
			} else {
				w.Kind = WindowNormal
			}
		case WindowCheap, WindowNormal, WindowPeak:
		default:
			return nil, fmt.Errorf("window %q: unknown kind %q", w.Name, w.Kind)
		}
		compiled[i] = w
	}
	return &Tariff{windows: compiled}, nil
}

// Active returns the governing window at the given local time: of all the
// windows containing it, the one with the lowest priority number, ties
// resolved by configuration order.
func (t *Tariff) Active(at time.Time) (Window, bool) {
	minute := at.Hour()*60 + at.Minute()
	best := -1
	for i := range t.windows {
		if !t.windows[i].contains(minute) {
			continue
		}
		if best < 0 || t.windows[i].Priority < t.windows[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Window{}, false
	}
	return t.windows[best], true
}

// HoursUntilWindowEnd returns the remaining span of the active window.
func (t *Tariff) HoursUntilWindowEnd(at time.Time) float64 {
	w, ok := t.Active(at)
	if !ok {
		return 0
	}
	return float64(w.minutesUntilEnd(at.Hour()*60+at.Minute())) / 60
}
