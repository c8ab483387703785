// Package hitevents publishes one Kafka message per served tile.
package hitevents

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/observability"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
)

type Event struct {
	Z        int       `json:"z"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Outcome  string    `json:"outcome"`
	Features int       `json:"features"`
	Bytes    int       `json:"bytes"`
	TS       time.Time `json:"ts"`
}

func NewEvent(c tile.Coord, outcome string, features, size int) Event {
	return Event{Z: c.Z, X: c.X, Y: c.Y, Outcome: outcome, Features: features, Bytes: size, TS: time.Now().UTC()}
}

func (e Event) key() string {
	return strconv.Itoa(e.Z) + "/" + strconv.Itoa(e.X) + "/" + strconv.Itoa(e.Y)
}

// Sink is what the tile handler publishes to.
type Sink interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

type Config struct {
	Brokers []string
	Topic   string
	Queue   int
}

type Publisher struct {
	topic  string
	prod   sarama.AsyncProducer
	log    *slog.Logger
	events chan Event
	drops  atomic.Int64

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	errDone chan struct{}
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return newPublisher(prod, cfg.Topic, cfg.Queue, logger), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queue int, logger *slog.Logger) *Publisher {
	if queue <= 0 {
		queue = 1024
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Publisher{
		topic:   topic,
		prod:    prod,
		log:     logger,
		events:  make(chan Event, queue),
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}
	go p.pump()
	go p.drainErrors()
	return p
}

func (p *Publisher) pump() {
	defer close(p.stopped)
	for ev := range p.events {
		b, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("hitevents: marshal", "err", err)
			continue
		}
		p.prod.Input() <- &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.key()),
			Value: sarama.ByteEncoder(b),
		}
	}
}

func (p *Publisher) drainErrors() {
	defer close(p.errDone)
	for err := range p.prod.Errors() {
		if err != nil {
			p.log.Warn("hitevents: producer error", "err", err.Error())
		}
	}
}

// Publish never blocks; events are dropped when the queue is full or the
// publisher is closed.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop()
		return
	}
	select {
	case p.events <- ev:
	default:
		p.drop()
	}
}

func (p *Publisher) drop() {
	p.drops.Add(1)
	observability.IncTileEventsDropped()
}

// Dropped reports how many events were discarded.
func (p *Publisher) Dropped() int64 { return p.drops.Load() }

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}
