// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package bus publishes telemetry and accepts commands over MQTT. Topic
// layout under the configured base:
//
//	{base}/availability                        retained hub online/offline
//	{base}/{inverter_id}/availability          retained per-inverter state
//	{base}/{inverter_id}/regs                  inverter snapshot
//	{base}/{inverter_id}/cmd                   command, action in payload (in)
//	{base}/{inverter_id}/write                 single register write (in)
//	{base}/{inverter_id}/write_many            batched writes (in)
//	{base}/{inverter_id}/config/{sensor}/set   adapter-routed config (in)
//	{base}/{inverter_id}/ack                   command outcome (out)
//	{base}/battery/{bank_id}/regs              bank snapshot
//	{base}/battery/{bank_id}/{unit}/regs       per-battery snapshot
//	{base}/battery/{bank_id}/{unit}/cells/{i}/regs  per-cell values
//	{base}/meter/{meter_id}/regs               meter snapshot
//	{base}/packs/{pack_id}/state               pack roll-up
//	{base}/arrays/{array_id}/state             array roll-up
//	{base}/systems/{system_id}/state           system roll-up
package bus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
)

const (
	connectWait   = 10 * time.Second
	publishWait   = 5 * time.Second
	subscribeWait = 5 * time.Second
)

// Config holds the broker connection settings.
type Config struct {
	Broker    string `yaml:"broker"` // tcp://host:1883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	QoS       byte   `yaml:"qos"`
}

// MQTT is the paho-backed Bus implementation.
type MQTT struct {
	client mqtt.Client
	base   string
	qos    byte
}

var _ interfaces.Bus = (*MQTT)(nil)

// New connects to the broker. The availability topic carries a retained
// last-will so consumers see the hub drop off even on a hard crash.
func New(cfg Config) (*MQTT, error) {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "solarhub"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "solar-energy-hub"
	}

	m := &MQTT{base: cfg.BaseTopic, qos: cfg.QoS}
	availTopic := cfg.BaseTopic + "/availability"

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetWill(availTopic, "offline", cfg.QoS, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			t := c.Publish(availTopic, cfg.QoS, true, "online")
			t.WaitTimeout(publishWait)
			logger.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectWait) {
		return nil, hub.NewBusError("connect", "", hub.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, hub.NewBusError("connect", "", err)
	}
	m.client = client
	return m, nil
}

// BaseTopic returns the configured topic prefix.
func (m *MQTT) BaseTopic() string {
	return m.base
}

// Publish sends a payload. Failures count but never block the caller's poll
// loop longer than the publish wait.
func (m *MQTT) Publish(topic string, payload []byte, retain bool) error {
	token := m.client.Publish(topic, m.qos, retain, payload)
	if !token.WaitTimeout(publishWait) {
		metrics.BusPublishErrors.Inc()
		return hub.NewBusError("publish", topic, hub.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		metrics.BusPublishErrors.Inc()
		return hub.NewBusError("publish", topic, err)
	}
	metrics.BusPublishesTotal.Inc()
	return nil
}

// Subscribe registers a handler for a topic pattern.
func (m *MQTT) Subscribe(pattern string, handler interfaces.MessageHandler) error {
	token := m.client.Subscribe(pattern, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeWait) {
		return hub.NewBusError("subscribe", pattern, hub.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return hub.NewBusError("subscribe", pattern, err)
	}
	logger.Debug().Str("pattern", pattern).Msg("Subscribed")
	return nil
}

// Close announces offline and disconnects cleanly.
func (m *MQTT) Close() {
	t := m.client.Publish(m.base+"/availability", m.qos, true, "offline")
	t.WaitTimeout(publishWait)
	m.client.Disconnect(250)
}

// Topic helpers keep the layout in one place.

func (m *MQTT) InverterTopic(inverterID string) string {
	return fmt.Sprintf("%s/%s/regs", m.base, inverterID)
}

func (m *MQTT) InverterAckTopic(inverterID string) string {
	return fmt.Sprintf("%s/%s/ack", m.base, inverterID)
}

func (m *MQTT) InverterAvailabilityTopic(inverterID string) string {
	return fmt.Sprintf("%s/%s/availability", m.base, inverterID)
}

// CommandPatterns lists every inbound command subscription.
func (m *MQTT) CommandPatterns() []string {
	return []string{
		fmt.Sprintf("%s/+/cmd", m.base),
		fmt.Sprintf("%s/+/write", m.base),
		fmt.Sprintf("%s/+/write_many", m.base),
		fmt.Sprintf("%s/+/config/+/set", m.base),
	}
}

func (m *MQTT) BankTopic(bankID string) string {
	return fmt.Sprintf("%s/battery/%s/regs", m.base, bankID)
}

func (m *MQTT) BatteryUnitTopic(bankID string, unit int) string {
	return fmt.Sprintf("%s/battery/%s/%d/regs", m.base, bankID, unit)
}

func (m *MQTT) CellTopic(bankID string, unit, cell int) string {
	return fmt.Sprintf("%s/battery/%s/%d/cells/%d/regs", m.base, bankID, unit, cell)
}

func (m *MQTT) MeterTopic(meterID string) string {
	return fmt.Sprintf("%s/meter/%s/regs", m.base, meterID)
}

func (m *MQTT) PackTopic(packID string) string {
	return fmt.Sprintf("%s/packs/%s/state", m.base, packID)
}

func (m *MQTT) ArrayTopic(arrayID string) string {
	return fmt.Sprintf("%s/arrays/%s/state", m.base, arrayID)
}

func (m *MQTT) SystemTopic(systemID string) string {
	return fmt.Sprintf("%s/systems/%s/state", m.base, systemID)
}
