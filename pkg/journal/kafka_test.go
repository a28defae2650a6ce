package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keeperlabs/perpcore/pkg/margin"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	block    chan struct{} // when non-nil, WriteMessages waits on it
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestKafkaSinkDelivers(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink(w, zap.NewNop().Sugar())

	for i := 1; i <= 3; i++ {
		e := entry(OrderSettled, margin.AccountID(i))
		e.Seq = uint64(i)
		s.Publish(e)
	}
	require.NoError(t, s.Close())

	require.Equal(t, 3, w.count())
	require.Equal(t, []byte("2"), w.messages[1].Key)
}

func TestKafkaSinkPublishNeverBlocks(t *testing.T) {
	// A writer stuck on a dead broker: Publish must keep returning
	// immediately, spilling over the buffer instead of stalling callers.
	w := &fakeWriter{block: make(chan struct{})}
	s := newKafkaSink(w, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Publish(entry(OrderCommitted, margin.AccountID(1)))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a stuck writer")
	}

	close(w.block)
	require.NoError(t, s.Close())
}
