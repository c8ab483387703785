package hitevents

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
)

func TestPublisher_SendsJSONEvent(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Z != 3 || ev.X != 4 || ev.Y != 2 || ev.Outcome != "hit" || ev.Features != 5 || ev.Bytes != 900 {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		if ev.TS.IsZero() {
			return fmt.Errorf("missing timestamp")
		}
		return nil
	})

	p := newPublisher(prod, "tile-hits", 4, nil)
	p.Publish(NewEvent(tile.New(3, 4, 2), "hit", 5, 900))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Dropped() != 0 {
		t.Fatalf("dropped=%d want 0", p.Dropped())
	}
}

func TestPublisher_ProducerErrorsAreDrained(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	prod.ExpectInputAndSucceed()

	p := newPublisher(prod, "tile-hits", 4, nil)
	p.Publish(NewEvent(tile.New(0, 0, 0), "miss", 0, 0))
	p.Publish(NewEvent(tile.New(1, 1, 0), "miss", 1, 100))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// stuckProducer accepts one message and then blocks the pump.
type stuckProducer struct {
	sarama.AsyncProducer
	in   chan *sarama.ProducerMessage
	errs chan *sarama.ProducerError
}

func (s *stuckProducer) Input() chan<- *sarama.ProducerMessage {
	return s.in
}

func (s *stuckProducer) Errors() <-chan *sarama.ProducerError {
	return s.errs
}

func (s *stuckProducer) Close() error {
	close(s.errs)
	return nil
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	sp := &stuckProducer{in: make(chan *sarama.ProducerMessage), errs: make(chan *sarama.ProducerError)}
	p := newPublisher(sp, "tile-hits", 1, nil)

	// the pump takes at most one event and blocks on Input; the queue holds one more
	for i := range 10 {
		p.Publish(NewEvent(tile.New(5, i, 0), "hit", 1, 10))
	}
	if p.Dropped() < 8 {
		t.Fatalf("dropped=%d want >= 8", p.Dropped())
	}

	go func() {
		for range sp.in {
		}
	}()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Publish(NewEvent(tile.New(0, 0, 0), "hit", 1, 10))
	if p.Dropped() < 9 {
		t.Fatalf("publish after close should drop, dropped=%d", p.Dropped())
	}
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Publish(Event{})
}
