package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the slice of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors journal entries to a kafka topic for out-of-process
// indexers. Publish only enqueues; a writer goroutine does the broker
// round trips, so a slow or down broker never stalls an order transition.
// When the buffer fills, entries are dropped with a log line — the journal
// stays the source of truth and a consumer recovers by replaying from its
// last seq.
type KafkaSink struct {
	writer  messageWriter
	log     *zap.SugaredLogger
	timeout time.Duration

	entries chan Entry
	done    chan struct{}
	once    sync.Once
}

// NewKafkaSink creates a sink producing to topic on the given brokers and
// starts its writer goroutine.
func NewKafkaSink(brokers []string, topic string, log *zap.SugaredLogger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaSink(w, log)
}

func newKafkaSink(w messageWriter, log *zap.SugaredLogger) *KafkaSink {
	s := &KafkaSink{
		writer:  w,
		log:     log,
		timeout: 5 * time.Second,
		entries: make(chan Entry, 256),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues one entry and never blocks.
func (s *KafkaSink) Publish(e Entry) {
	select {
	case s.entries <- e:
	default:
		s.log.Warnw("journal_kafka_buffer_full", "seq", e.Seq)
	}
}

// run drains the buffer, keyed by account id so per-account ordering
// survives partitioning.
func (s *KafkaSink) run() {
	defer close(s.done)
	for e := range s.entries {
		value, err := json.Marshal(e)
		if err != nil {
			s.log.Errorw("journal_kafka_marshal_failed", "seq", e.Seq, "err", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(fmt.Sprintf("%d", e.AccountID)),
			Value: value,
		})
		cancel()
		if err != nil {
			s.log.Errorw("journal_kafka_write_failed", "seq", e.Seq, "err", err)
		}
	}
}

// Close drains buffered entries, stops the writer goroutine, and closes
// the underlying writer.
func (s *KafkaSink) Close() error {
	s.once.Do(func() {
		close(s.entries)
	})
	<-s.done
	return s.writer.Close()
}
