// Package notify implements an embedded, process-local NATS event bus used
// by the DB Actor (trip transitions and eviction sweeps) and the Segment
// Naming Service to publish ring/trip lifecycle notifications. It is an additive, read-only
// observation channel: nothing in the core blocks on or requires a
// subscriber, and the embedded server only ever binds 127.0.0.1.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the core.
const (
	SubjectSegmentProduced = "segment.produced"
	SubjectTripOpened      = "trip.opened"
	SubjectTripClosed      = "trip.closed"
	SubjectTripSaved       = "trip.saved"
	SubjectTripEvicted     = "trip.evicted"
)

// Bus wraps an embedded NATS server and a local client connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   map[string][]*nats.Subscription
}

// Config configures the embedded bus.
type Config struct {
	// Host the embedded server binds to. Defaults to 127.0.0.1; never
	// intended to be reachable off-host.
	Host string
	// Port to listen on; 0 lets the OS assign an ephemeral port, which is
	// the default and the recommended setting since nothing outside this
	// process needs a stable address.
	Port int
	StoreDir string
}

// Start launches the embedded NATS server and connects a local client to it.
func Start(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = -1 // nats-server convention for "pick any free port"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "notify"),
		subs:   make(map[string][]*nats.Subscription),
	}
	b.logger.Info("event bus started", "url", ns.ClientURL())
	return b, nil
}

// ClientURL returns the local connection URL, useful for tests that want to
// dial a second client.
func (b *Bus) ClientURL() string { return b.server.ClientURL() }

// publish marshals data to JSON and publishes it, best effort: a publish
// failure is returned to the caller but must never be treated as fatal to
// whatever hot-path operation triggered it.
func (b *Bus) publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.conn.Publish(subject, payload)
}

// SegmentProducedEvent is published each time the naming service hands out
// a new segment path.
type SegmentProducedEvent struct {
	CameraID int64  `json:"camera_id"`
	SinkID   int64  `json:"sink_id"`
	Index    int64  `json:"index"`
	Path     string `json:"path"`
}

// PublishSegmentProduced is a best-effort, non-blocking notification; the
// caller should not wait on or retry the returned error.
func (b *Bus) PublishSegmentProduced(e SegmentProducedEvent) error {
	return b.publish(SubjectSegmentProduced, e)
}

// TripEvent is published for open/close/save/evict transitions.
type TripEvent struct {
	TripID    int64     `json:"trip_id"`
	CameraID  int64     `json:"camera_id"`
	Timestamp time.Time `json:"timestamp"`
	SavedDir  string    `json:"saved_dir,omitempty"`
}

func (b *Bus) PublishTripOpened(e TripEvent) error  { return b.publish(SubjectTripOpened, e) }
func (b *Bus) PublishTripClosed(e TripEvent) error  { return b.publish(SubjectTripClosed, e) }
func (b *Bus) PublishTripSaved(e TripEvent) error   { return b.publish(SubjectTripSaved, e) }
func (b *Bus) PublishTripEvicted(e TripEvent) error { return b.publish(SubjectTripEvicted, e) }

// Subscribe registers a handler for a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()
	return sub, nil
}

// Stop drains the client connection and shuts the embedded server down.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("event bus stopped")
}
