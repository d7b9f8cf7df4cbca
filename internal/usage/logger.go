package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder accepts usage entries. Both Logger and NoopLogger implement it.
type Recorder interface {
	Record(entry *Entry)
	Enabled() bool
	Close() error
}

// Logger buffers entries in a channel and writes them to a Store in batches,
// either when BatchFlushThreshold entries are pending or every FlushInterval.
type Logger struct {
	store    Store
	log      *slog.Logger
	buffer   chan *Entry
	done     chan struct{}
	interval time.Duration
	wg       sync.WaitGroup
	// mu guards closed; Record holds it shared while sending on buffer.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewLogger starts the background flush loop.
func NewLogger(store Store, cfg Config, log *slog.Logger) *Logger {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Logger{
		store:    store,
		log:      log,
		buffer:   make(chan *Entry, cfg.BufferSize),
		done:     make(chan struct{}),
		interval: cfg.FlushInterval,
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Record queues entry without blocking. When the buffer is full or the
// logger is closed the entry is dropped.
func (l *Logger) Record(entry *Entry) {
	if entry == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.dropped.Add(1)
		l.log.Warn("usage buffer full, dropping entry", "request_id", entry.RequestID, "model", entry.Model)
	}
}

// Enabled implements Recorder.
func (l *Logger) Enabled() bool { return true }

// Dropped returns how many entries were discarded because the buffer was full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close drains the buffer, writes what is left and closes the store.
// It is idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)
	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			l.flushBatch(batch)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				l.log.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.log.Error("failed to write usage batch", "error", err, "count", len(batch))
	}
}

// NoopLogger discards entries; it is used when usage tracking is disabled.
type NoopLogger struct{}

func (NoopLogger) Record(*Entry) {}
func (NoopLogger) Enabled() bool { return false }
func (NoopLogger) Close() error  { return nil }
