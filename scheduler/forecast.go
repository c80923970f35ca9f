// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package scheduler

import "time"

// PVHistory supplies per-inverter PV energy produced on a local day,
// keyed YYYY-MM-DD. The energy accumulator implements it.
type PVHistory interface {
	DailyPV(day string) map[string]float64
}

// Daylight window the persistence forecast spreads yield across.
const (
	daylightStartHour = 8
	daylightEndHour   = 18
)

// HistoryForecast builds a persistence forecast from recorded production:
// yesterday's total PV yield is assumed to repeat, spread evenly across the
// daylight window. With no recorded yield the forecast reports unavailable
// and callers fall back to assuming zero sun.
func HistoryForecast(hist PVHistory, loc *time.Location) Forecast {
	if loc == nil {
		loc = time.Local
	}
	return func(from, to time.Time) (float64, bool) {
		from, to = from.In(loc), to.In(loc)
		if !to.After(from) {
			return 0, false
		}
		yesterday := time.Now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")
		var dayKWh float64
		for _, kwh := range hist.DailyPV(yesterday) {
			dayKWh += kwh
		}
		if dayKWh <= 0 {
			return 0, false
		}

		daylight := float64(daylightEndHour - daylightStartHour)
		var kwh float64
		day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		for day.Before(to) {
			ws := day.Add(daylightStartHour * time.Hour)
			we := day.Add(daylightEndHour * time.Hour)
			if ws.Before(from) {
				ws = from
			}
			if we.After(to) {
				we = to
			}
			if we.After(ws) {
				kwh += dayKWh * we.Sub(ws).Hours() / daylight
			}
			day = day.AddDate(0, 0, 1)
		}
		return kwh, true
	}
}
