package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Batch is one upload unit: records for a single aide.
type Batch struct {
	ID      string
	AideID  string
	Date    time.Time
	Records []Record
}

// Sink receives batches. WriteBatch must be safe for concurrent batches of
// different aides.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, b Batch) error
}

// UploaderConfig tunes the drainer.
type UploaderConfig struct {
	// BatchSize caps records per drain cycle.
	BatchSize int
	// FlushInterval is the idle flush tick.
	FlushInterval time.Duration
	// RetryInterval is the pause before the single retry of a failed write.
	RetryInterval time.Duration
}

// Uploader drains the queue on a single goroutine, groups records per aide,
// and ships each group to every sink. A failed write is retried once; after
// that the batch is dropped with an error log — telemetry is lossy by
// contract, never blocking.
type Uploader struct {
	queue *Queue
	sinks []Sink
	cfg   UploaderConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUploader builds an uploader. Zero config fields get defaults
// (100 records, 60s flush, 2s retry).
func NewUploader(queue *Queue, sinks []Sink, cfg UploaderConfig) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Uploader{
		queue:  queue,
		sinks:  sinks,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (u *Uploader) Start(ctx context.Context) {
	u.wg.Add(1)
	go u.run(ctx)
}

// Stop flushes what remains within ctx's deadline and stops the loop. Safe
// to call more than once.
func (u *Uploader) Stop(ctx context.Context) {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.wg.Wait()
	// Bounded final drain on the caller's goroutine.
	for u.queue.Len() > 0 && ctx.Err() == nil {
		u.drainOnce(ctx)
	}
}

func (u *Uploader) run(ctx context.Context) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stopCh:
			return
		case <-ticker.C:
			// Flush tick: ship the whole backlog, full batches first
			// then the remainder.
			u.drainFull(ctx)
			u.drainOnce(ctx)
		case <-u.queue.Wake():
			// A full batch ships as soon as it accumulates; smaller
			// backlogs wait for the tick.
			u.drainFull(ctx)
		}
	}
}

// drainFull ships batches as long as a full one is waiting.
func (u *Uploader) drainFull(ctx context.Context) {
	for u.queue.Len() >= u.cfg.BatchSize {
		u.drainOnce(ctx)
	}
}

// drainOnce ships at most one batch-size worth of records.
func (u *Uploader) drainOnce(ctx context.Context) {
	records := u.queue.Drain(u.cfg.BatchSize)
	if len(records) == 0 {
		return
	}
	byAide := make(map[string][]Record)
	for _, r := range records {
		byAide[r.AideID] = append(byAide[r.AideID], r)
	}
	for aideID, group := range byAide {
		batch := Batch{
			ID:      uuid.New().String(),
			AideID:  aideID,
			Date:    group[0].TS.UTC(),
			Records: group,
		}
		for _, sink := range u.sinks {
			u.write(ctx, sink, batch)
		}
	}
}

func (u *Uploader) write(ctx context.Context, sink Sink, batch Batch) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.cfg.RetryInterval), 1),
		ctx,
	)
	err := backoff.Retry(func() error {
		return sink.WriteBatch(ctx, batch)
	}, policy)
	if err != nil {
		slog.Error("telemetry batch dropped after retry",
			"sink", sink.Name(),
			"aide_id", batch.AideID,
			"batch_id", batch.ID,
			"records", len(batch.Records),
			"error", err)
	}
}

// FSSink writes batches as JSONL files under
// {root}/{aide_id}/{YYYY-MM-DD}/{batch_id}.jsonl.
type FSSink struct {
	root string
}

// NewFSSink creates the root directory if needed.
func NewFSSink(root string) (*FSSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry fs sink: %w", err)
	}
	return &FSSink{root: root}, nil
}

func (s *FSSink) Name() string { return "fs" }

// WriteBatch writes one JSONL file per batch. Writes go through a temp file
// and rename so readers never see a partial batch.
func (s *FSSink) WriteBatch(_ context.Context, b Batch) error {
	dir := filepath.Join(s.root, b.AideID, b.Date.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("telemetry fs sink: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".batch-*")
	if err != nil {
		return fmt.Errorf("telemetry fs sink: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, r := range b.Records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("telemetry fs sink: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("telemetry fs sink: %w", err)
	}
	final := filepath.Join(dir, b.ID+".jsonl")
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("telemetry fs sink: %w", err)
	}
	return nil
}

// RecordWriter is the persistence-facade surface the Postgres sink writes
// through.
type RecordWriter interface {
	InsertTelemetry(ctx context.Context, records []Record) error
}

// DBSink ships batches into the relational telemetry table.
type DBSink struct {
	writer RecordWriter
}

// NewDBSink wraps a RecordWriter (the store facade).
func NewDBSink(writer RecordWriter) *DBSink {
	return &DBSink{writer: writer}
}

func (s *DBSink) Name() string { return "db" }

func (s *DBSink) WriteBatch(ctx context.Context, b Batch) error {
	return s.writer.InsertTelemetry(ctx, b.Records)
}
