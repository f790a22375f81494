/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus exports in-process room events to NATS so other services
// can observe playback without talking to the room sockets.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "listenroom.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher is the subset of *nats.Conn the exporter uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Exporter forwards every event published on the in-process bus to
// <prefix>.<event type>.
type Exporter struct {
	bus    *events.Bus
	pub    Publisher
	conn   *nats.Conn
	prefix string
	nodeID string
	logger zerolog.Logger

	closeOnce sync.Once
}

// Connect dials NATS and returns an exporter for bus.
func Connect(cfg NATSConfig, bus *events.Bus, logger zerolog.Logger) (*Exporter, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	logger = logger.With().Str("component", "eventbus").Logger()

	nodeID := generateNodeID()
	conn, err := nats.Connect(cfg.URL,
		nats.Name("listenroom-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	e := newExporter(bus, conn, cfg.SubjectPrefix, nodeID, logger)
	e.conn = conn
	logger.Info().Str("url", conn.ConnectedUrl()).Str("prefix", e.prefix).Msg("event export enabled")
	return e, nil
}

func newExporter(bus *events.Bus, pub Publisher, prefix, nodeID string, logger zerolog.Logger) *Exporter {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &Exporter{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		nodeID: nodeID,
		logger: logger,
	}
}

// Subject returns the subject events of type t are published on.
func (e *Exporter) Subject(t events.EventType) string {
	return e.prefix + "." + string(t)
}

// Run forwards events until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	subs := make([]events.Subscriber, len(events.AllEventTypes))
	cases := make([]reflect.SelectCase, 0, len(subs)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for i, t := range events.AllEventTypes {
		subs[i] = e.bus.Subscribe(t)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(subs[i])})
	}
	defer func() {
		for i, t := range events.AllEventTypes {
			e.bus.Unsubscribe(t, subs[i])
		}
	}()

	for {
		chosen, v, ok := reflect.Select(cases)
		if chosen == 0 || !ok {
			return
		}
		e.forward(events.AllEventTypes[chosen-1], v.Interface().(events.Payload))
	}
}

func (e *Exporter) forward(t events.EventType, payload events.Payload) {
	data, err := marshalNATSMessage(t, payload, e.nodeID)
	if err != nil {
		e.logger.Warn().Err(err).Str("event", string(t)).Msg("encode event")
		return
	}
	if err := e.pub.Publish(e.Subject(t), data); err != nil {
		e.logger.Warn().Err(err).Str("event", string(t)).Msg("publish event")
	}
}

// Close flushes pending messages and closes the connection.
func (e *Exporter) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	var err error
	e.closeOnce.Do(func() { err = e.conn.Drain() })
	return err
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

func marshalNATSMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	msg := natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	}
	return json.Marshal(msg)
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
