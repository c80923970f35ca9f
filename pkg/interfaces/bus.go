// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

// MessageHandler is invoked for every message matching a subscription.
type MessageHandler func(topic string, payload []byte)

// Bus defines the message-broker contract the hub publishes telemetry on and
// receives commands from. The canonical implementation is MQTT, but the core
// only depends on this interface.
type Bus interface {
	// Publish sends a payload on a topic. Retained messages survive broker
	// restarts and are delivered to late subscribers.
	Publish(topic string, payload []byte, retain bool) error

	// Subscribe registers a handler for a topic pattern (MQTT wildcards).
	Subscribe(topicPattern string, handler MessageHandler) error

	// Close disconnects from the broker after flushing in-flight messages.
	Close()
}
