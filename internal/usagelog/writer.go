package usagelog

import (
	"context"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// Sink receives a copy of every persisted batch
type Sink interface {
	Publish(ctx context.Context, entries []*models.UsageLogEntry) error
	Close() error
}

// WriterConfig holds buffering settings for the Writer
type WriterConfig struct {
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration
	RetryBackoff   time.Duration
}

// DefaultWriterConfig returns default writer settings
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BufferSize:     4096,
		BatchSize:      256,
		FlushInterval:  time.Second,
		EnqueueTimeout: 50 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// item is either an entry or a sync marker
type item struct {
	entry   *models.UsageLogEntry
	flushed chan struct{}
}

// Writer batches entries in the background. Append never blocks longer than
// the enqueue timeout; entries that do not fit are dropped and counted.
type Writer struct {
	store Store
	sinks []Sink
	cfg   WriterConfig

	items chan item
	quit  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriter creates a writer and starts its flush loop
func NewWriter(store Store, cfg WriterConfig, sinks ...Sink) *Writer {
	def := DefaultWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	w := &Writer{
		store: store,
		sinks: sinks,
		cfg:   cfg,
		items: make(chan item, cfg.BufferSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Append enqueues an entry and reports whether it was accepted
func (w *Writer) Append(entry *models.UsageLogEntry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		monitoring.RecordUsageLogDropped("closed", 1)
		return false
	}

	select {
	case w.items <- item{entry: entry}:
		monitoring.RecordUsageLogEnqueued()
		return true
	default:
	}

	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.items <- item{entry: entry}:
		monitoring.RecordUsageLogEnqueued()
		return true
	case <-timer.C:
		monitoring.RecordUsageLogDropped("buffer_full", 1)
		log.Warn().Str("kid", entry.KID).Msg("Usage log buffer full, entry dropped")
		return false
	}
}

// Sync waits until every entry appended before the call has been written
func (w *Writer) Sync(ctx context.Context) error {
	flushed := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.items <- item{flushed: flushed}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, writes everything buffered and closes the sinks
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.quit)

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close usage log sink")
		}
	}

	log.Info().Msg("Usage log writer closed")
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.UsageLogEntry, 0, w.cfg.BatchSize)
	for {
		select {
		case it := <-w.items:
			batch = w.accept(batch, it)
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.quit:
			for {
				select {
				case it := <-w.items:
					batch = w.accept(batch, it)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

func (w *Writer) accept(batch []*models.UsageLogEntry, it item) []*models.UsageLogEntry {
	if it.flushed != nil {
		batch = w.flush(batch)
		close(it.flushed)
		return batch
	}

	batch = append(batch, it.entry)
	if len(batch) >= w.cfg.BatchSize {
		return w.flush(batch)
	}
	return batch
}

// flush writes batch and returns a fresh empty batch
func (w *Writer) flush(batch []*models.UsageLogEntry) []*models.UsageLogEntry {
	monitoring.SetUsageLogBuffered(len(w.items))
	if len(batch) == 0 {
		return batch
	}

	if err := w.write(batch); err != nil {
		monitoring.RecordUsageLogDropped("store_error", len(batch))
		log.Error().Err(err).Int("entries", len(batch)).Msg("Failed to write usage log batch")
	} else {
		monitoring.RecordUsageLogWritten(len(batch))
		w.mirror(batch)
	}

	return make([]*models.UsageLogEntry, 0, w.cfg.BatchSize)
}

// write appends batch to the store, retrying once
func (w *Writer) write(batch []*models.UsageLogEntry) error {
	err := w.appendOnce(batch)
	if err == nil {
		return nil
	}

	log.Warn().Err(err).Int("entries", len(batch)).Msg("Usage log write failed, retrying")
	time.Sleep(w.cfg.RetryBackoff)
	return w.appendOnce(batch)
}

func (w *Writer) appendOnce(batch []*models.UsageLogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()
	return w.store.Append(ctx, batch)
}

func (w *Writer) mirror(batch []*models.UsageLogEntry) {
	if len(w.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	for _, s := range w.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			monitoring.RecordUsageLogDropped("mirror", len(batch))
			log.Warn().Err(err).Int("entries", len(batch)).Msg("Failed to mirror usage log batch")
		}
	}
}
