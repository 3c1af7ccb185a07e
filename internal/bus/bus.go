package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

const (
	subjectPrefix = "pulsetrader.events"

	// broadcastQueueSize bounds the worker's backlog; NATS drops on top of
	// a full channel rather than blocking producers.
	broadcastQueueSize = 1024

	// idleTickPeriod paces liveness checks and queue gauge updates while
	// no events arrive.
	idleTickPeriod = 5 * time.Second

	embeddedStartTimeout = 5 * time.Second
	workerStopTimeout    = 2 * time.Second
)

// Handler consumes events delivered by the broadcast worker.
type Handler func(*Event)

// Bus publishes engine events over NATS and runs the single broadcast
// worker that feeds the WebSocket layer. Publish is safe from any
// goroutine, including the upstream reader.
type Bus struct {
	nc       *nats.Conn
	embedded *server.Server
	queueCap int

	mu     sync.Mutex
	sub    *nats.Subscription
	ch     chan *nats.Msg
	cancel context.CancelFunc
	done   chan struct{}

	published atomic.Int64
	consumed  atomic.Int64
	dropped   atomic.Int64
	running   atomic.Bool
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsPublished int64 `json:"events_published"`
	EventsConsumed  int64 `json:"events_consumed"`
	EventsDropped   int64 `json:"events_dropped"`
	QueueSize       int   `json:"queue_size"`
	WorkerRunning   bool  `json:"worker_running"`
}

// New connects to NATS, booting an in-process server first when
// cfg.Embedded is set (tests and single-binary deployments).
func New(cfg config.NATSConfig) (*Bus, error) {
	b := &Bus{queueCap: broadcastQueueSize}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(embeddedStartTimeout) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		b.embedded = ns
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("pulsetrader-bus"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if err == nats.ErrSlowConsumer {
				log.Warn().Msg("Broadcast queue full, NATS dropping events")
				return
			}
			log.Error().Err(err).Msg("NATS async error")
		}),
	)
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc

	log.Info().Str("url", url).Bool("embedded", cfg.Embedded).Msg("Connected to event bus")
	return b, nil
}

// IsConnected reports whether the NATS connection is live.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Publish sends an event to the bus. Per-producer FIFO ordering follows
// from NATS connection semantics.
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if !b.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.nc.Publish(subjectFor(evt), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.published.Add(1)
	metrics.BusEventsPublished.Inc()
	return nil
}

// subjectFor shards events by symbol and type so diagnostics can subscribe
// to a slice of the stream.
func subjectFor(evt *Event) string {
	symbol := evt.Symbol
	if symbol == "" {
		symbol = "_"
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, symbol, evt.Type)
}

// Start subscribes to the event stream and launches the broadcast worker.
// Exactly one worker runs per bus.
func (b *Bus) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return fmt.Errorf("broadcast worker already running")
	}

	ch := make(chan *nats.Msg, b.queueCap)
	sub, err := b.nc.ChanSubscribe(subjectPrefix+".>", ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event stream: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.sub = sub
	b.ch = ch
	b.cancel = cancel
	b.done = done
	b.running.Store(true)

	go b.worker(workerCtx, sub, ch, handler, done)

	log.Info().Msg("Broadcast worker started")
	return nil
}

// worker is the single consumer of the broadcast subscription. The idle
// tick keeps liveness checks and the queue gauge fresh when no events flow.
func (b *Bus) worker(ctx context.Context, sub *nats.Subscription, ch chan *nats.Msg, handler Handler, done chan struct{}) {
	defer close(done)
	defer b.running.Store(false)

	ticker := time.NewTicker(idleTickPeriod)
	defer ticker.Stop()

	var reportedDrops int64
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg, handler)
		case <-ticker.C:
			metrics.BusQueueSize.Set(float64(len(ch)))
			if d, err := sub.Dropped(); err == nil && int64(d) > reportedDrops {
				delta := int64(d) - reportedDrops
				reportedDrops = int64(d)
				b.dropped.Store(reportedDrops)
				metrics.BusEventsDropped.Add(float64(delta))
				log.Warn().Int64("dropped", reportedDrops).Msg("Broadcast queue dropped events")
			}
			if !b.nc.IsConnected() {
				log.Warn().Msg("Broadcast worker waiting for NATS reconnect")
			}
		case <-ctx.Done():
			// Drain what is already queued so shutdown does not strand
			// events behind the channel.
			for {
				select {
				case msg := <-ch:
					b.deliver(msg, handler)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(msg *nats.Msg, handler Handler) {
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal bus event")
		metrics.RecordError("unmarshal", "bus")
		return
	}
	b.consumed.Add(1)
	metrics.BusEventsConsumed.Inc()
	handler(&evt)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	ch := b.ch
	sub := b.sub
	b.mu.Unlock()

	queue := 0
	if ch != nil {
		queue = len(ch)
	}

	dropped := b.dropped.Load()
	if sub != nil && sub.IsValid() {
		if d, err := sub.Dropped(); err == nil && int64(d) > dropped {
			dropped = int64(d)
		}
	}

	return Stats{
		EventsPublished: b.published.Load(),
		EventsConsumed:  b.consumed.Load(),
		EventsDropped:   dropped,
		QueueSize:       queue,
		WorkerRunning:   b.running.Load(),
	}
}

// Close stops the worker, tears down the subscription and connection, and
// shuts down the embedded server when one was started.
func (b *Bus) Close() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	sub := b.sub
	b.cancel = nil
	b.done = nil
	b.sub = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		if done != nil {
			select {
			case <-done:
			case <-time.After(workerStopTimeout):
				log.Warn().Msg("Broadcast worker did not stop in time")
			}
		}
	}

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.Debug().Err(err).Msg("Failed to unsubscribe broadcast worker")
		}
	}

	if b.nc != nil {
		b.nc.Close()
	}

	if b.embedded != nil {
		b.embedded.Shutdown()
	}

	log.Info().Msg("Event bus closed")
}
