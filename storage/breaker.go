// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"time"

	"github.com/sony/gobreaker"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
)

// newWriteBreaker builds the circuit breaker guarding InfluxDB writes. Five
// consecutive failures open the circuit; writes then fall straight through
// to the disk journal until a half-open probe succeeds.
func newWriteBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb-write",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
}

// execWrite runs a write through the breaker, mapping the open-circuit
// rejection onto the hub sentinel.
func execWrite(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return hub.ErrCircuitBreakerOpen
	}
	return err
}
