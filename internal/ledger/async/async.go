// Package async wraps a ledger.Store with buffered background writes so
// recording usage never delays the response path.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ojama/chat2api-go/internal/ledger"
)

// Store queues entries in memory and flushes them in batches.
// Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config tunes the background writer. Zero values pick defaults suitable
// for a single gateway instance.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	ChannelBuffer int
	Logger        *log.Logger
}

// New wraps an existing ledger store with background batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}

	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("ledger write failed: %v", err)
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			// Drain whatever is still queued before shutting down.
			for {
				select {
				case entry := <-s.entryChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues an entry. It never blocks; if the buffer is full the entry
// is dropped and counted against the log.
func (s *Store) Record(_ context.Context, entry ledger.Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case s.entryChan <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("ledger buffer full, dropping entry for model %s", entry.Model)
		}
	}
	return nil
}

// Summary reads through to the underlying store. Recent unflushed entries
// may not be visible yet.
func (s *Store) Summary(ctx context.Context, credential string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, credential)
}

// ListRecent reads through to the underlying store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, limit)
}

// Close flushes queued entries and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
