// Package eventlog records what happens to transactions as they cross the
// node: connections made, values stored and broadcast, routing outcomes,
// timeouts. Registers are the sinks; a node picks one or more at startup.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/ring"
)

// ErrClosed is returned when registering into a closed register.
var ErrClosed = errors.New("eventlog: register closed")

type Kind uint8

const (
	KindConnected Kind = iota + 1
	KindConnectFinished
	KindPutRequest
	KindPutSuccess
	KindBroadcastEmitted
	KindBroadcastReceived
	KindGet
	KindSubscribed
	KindRoute
	KindDisconnected
	KindTimeout
)

var kindNames = map[Kind]string{
	KindConnected:         "connected",
	KindConnectFinished:   "connect-finished",
	KindPutRequest:        "put-request",
	KindPutSuccess:        "put-success",
	KindBroadcastEmitted:  "broadcast-emitted",
	KindBroadcastReceived: "broadcast-received",
	KindGet:               "get",
	KindSubscribed:        "subscribed",
	KindRoute:             "route",
	KindDisconnected:      "disconnected",
	KindTimeout:           "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Route is the outcome of sending one request to one neighbor.
type Route struct {
	Peer    peer.ID       `msgpack:"peer"`
	Target  ring.Location `msgpack:"target"`
	Success bool          `msgpack:"ok"`
	Latency time.Duration `msgpack:"latency"`
}

// Event is one log record. Which optional fields are set depends on Kind:
// Other is the remote side of connects, subscriptions and broadcasts,
// Targets the recipients of an emitted broadcast.
type Event struct {
	Tx       uuid.UUID      `msgpack:"tx"`
	At       time.Time      `msgpack:"at"`
	Peer     peer.ID        `msgpack:"peer"`
	Kind     Kind           `msgpack:"kind"`
	Key      contract.Key   `msgpack:"key,omitempty"`
	Other    peer.ID        `msgpack:"other,omitempty"`
	Targets  []peer.ID      `msgpack:"targets,omitempty"`
	Location *ring.Location `msgpack:"loc,omitempty"`
	Route    *Route         `msgpack:"route,omitempty"`
}

// Register is a sink for events.
type Register interface {
	Register(ctx context.Context, events ...Event) error
}

func stamp(events []Event) {
	now := time.Now()
	for i := range events {
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}
}

// MemoryRegister keeps every event in memory.
type MemoryRegister struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRegister() *MemoryRegister { return &MemoryRegister{} }

func (m *MemoryRegister) Register(_ context.Context, events ...Event) error {
	stamp(events)
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything registered so far, optionally only
// the given kinds.
func (m *MemoryRegister) Events(kinds ...Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if len(kinds) == 0 || containsKind(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// LogRegister writes events to a zap logger at debug level.
type LogRegister struct {
	log *zap.Logger
}

func NewLogRegister(log *zap.Logger) *LogRegister {
	return &LogRegister{log: log.Named("events")}
}

func (l *LogRegister) Register(_ context.Context, events ...Event) error {
	for _, e := range events {
		fields := []zap.Field{
			zap.Stringer("tx", e.Tx),
			zap.Stringer("peer", e.Peer),
		}
		if e.Key != "" {
			fields = append(fields, zap.String("key", string(e.Key)))
		}
		if e.Other != "" {
			fields = append(fields, zap.Stringer("other", e.Other))
		}
		if e.Route != nil {
			fields = append(fields, zap.Stringer("route_peer", e.Route.Peer), zap.Bool("ok", e.Route.Success))
		}
		l.log.Debug(e.Kind.String(), fields...)
	}
	return nil
}

// Combined fans events out to several registers.
type Combined []Register

func (c Combined) Register(ctx context.Context, events ...Event) error {
	var errs []error
	for _, r := range c {
		if err := r.Register(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Register(context.Context, ...Event) error { return nil }
