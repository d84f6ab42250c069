// Package importer implements the bulk-import pipeline: chunked CSV
// ingestion, normalization, batched upserts into the record store, durable
// task tracking with an ephemeral progress signal, and completion
// notifications.
package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acmelabs/product-importer/internal/model"
	"github.com/acmelabs/product-importer/internal/webhook"
)

// maxErrorDetail bounds the error text persisted on a failed task.
const maxErrorDetail = 500

// RecordStore applies batches of records to the catalog.
// UpsertBatch is atomic per batch: on error, none of the batch is applied.
type RecordStore interface {
	UpsertBatch(ctx context.Context, batch []model.Record) error
}

// TaskLedger is the durable record of one import job's lifecycle.
type TaskLedger interface {
	Create(ctx context.Context, taskID, filename string) (model.Task, error)
	Get(ctx context.Context, taskID string) (model.Task, error)
	MarkProcessing(ctx context.Context, taskID string) error
	SetTotalRows(ctx context.Context, taskID string, total int) error
	SetProcessedRows(ctx context.Context, taskID string, processed int) error
	MarkCompleted(ctx context.Context, taskID string, processed int) error
	MarkFailed(ctx context.Context, taskID string, detail string) error
}

// Notifier fans out an event to interested subscribers. Delivery is
// best-effort; Dispatch never reports failure to the caller.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]any)
}

// StreamOpener re-opens the raw upload from the start. The stream is not
// seekable mid-read, so the counting pre-pass and the batch read each open
// their own copy.
type StreamOpener func() (io.ReadCloser, error)

// Options configures a Service.
type Options struct {
	BatchSize     int
	MaxConcurrent int
	MaxWaitTime   time.Duration
}

// Service owns import jobs end to end, from accepted upload to terminal
// ledger state.
type Service struct {
	store     RecordStore
	ledger    TaskLedger
	notifier  Notifier
	tracker   *ProgressTracker
	limiter   *ImportLimiter
	batchSize int
}

// NewService wires the import pipeline.
func NewService(store RecordStore, ledger TaskLedger, notifier Notifier, opts Options) *Service {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Service{
		store:     store,
		ledger:    ledger,
		notifier:  notifier,
		tracker:   NewProgressTracker(),
		limiter:   NewImportLimiter(opts.MaxConcurrent, opts.MaxWaitTime),
		batchSize: batchSize,
	}
}

// CreateTask records an accepted upload in the ledger as pending and
// returns its fresh task identity.
func (s *Service) CreateTask(ctx context.Context, filename string) (model.Task, error) {
	taskID := uuid.New().String()

	task, err := s.ledger.Create(ctx, taskID, filename)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// StartImport launches the import job for a pending task in the background
// and returns once a concurrency slot is acquired. The triggering caller is
// not blocked for the job's duration.
func (s *Service) StartImport(ctx context.Context, taskID, filename string, open StreamOpener) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}

	go func() {
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in import",
					"task_id", taskID,
					"filename", filename,
					"panic", r,
				)
				s.tracker.Drop(taskID)
				if err := s.ledger.MarkFailed(context.Background(), taskID,
					truncateDetail(fmt.Sprintf("internal error: %v", r))); err != nil {
					slog.Error("failed to record import panic", "task_id", taskID, "error", err)
				}
			}
		}()

		// The job is owned by the service, not the upload request: it keeps
		// running after the triggering request completes.
		if _, err := s.Run(context.Background(), taskID, filename, open); err != nil {
			slog.Error("import failed", "task_id", taskID, "error", err)
		}
	}()

	return nil
}

// Run drives one import job to a terminal state and returns the processed
// row count. Committed batches stay committed on failure; this pipeline
// provides no whole-file atomicity.
func (s *Service) Run(ctx context.Context, taskID, filename string, open StreamOpener) (int, error) {
	log := slog.Default().With("task_id", taskID, "filename", filename)
	log.Info("import started", "batch_size", s.batchSize)

	if err := s.ledger.MarkProcessing(ctx, taskID); err != nil {
		return 0, s.fail(ctx, log, taskID, fmt.Errorf("mark processing: %w", err))
	}

	// Fast pre-pass for the denominator. Failure here degrades percentage
	// reporting to 0, it does not fail the job.
	total := countTotal(log, open)
	if total > 0 {
		if err := s.ledger.SetTotalRows(ctx, taskID, total); err != nil {
			return 0, s.fail(ctx, log, taskID, fmt.Errorf("persist total rows: %w", err))
		}
	}

	stream, err := open()
	if err != nil {
		return 0, s.fail(ctx, log, taskID, fmt.Errorf("open stream: %w", err))
	}
	defer stream.Close()

	reader := NewChunkedReader(stream, s.batchSize)

	processed := 0
	skipped := 0
	for {
		batch, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return processed, s.fail(ctx, log, taskID, fmt.Errorf("read batch: %w", err))
		}

		records, dropped := s.collectBatch(log, batch)
		skipped += dropped

		if len(records) > 0 {
			if err := s.store.UpsertBatch(ctx, records); err != nil {
				return processed, s.fail(ctx, log, taskID, fmt.Errorf("upsert batch: %w", err))
			}
		}

		// Dropped rows were still read, so they count as processed.
		processed += len(batch)
		if err := s.ledger.SetProcessedRows(ctx, taskID, processed); err != nil {
			return processed, s.fail(ctx, log, taskID, fmt.Errorf("persist processed rows: %w", err))
		}
		s.tracker.Publish(taskID, processed, total)
	}

	if err := s.ledger.MarkCompleted(ctx, taskID, processed); err != nil {
		return processed, s.fail(ctx, log, taskID, fmt.Errorf("mark completed: %w", err))
	}
	s.tracker.Drop(taskID)

	s.notifier.Dispatch(ctx, webhook.EventRecordImported, map[string]any{
		"task_id":    taskID,
		"total_rows": processed,
		"filename":   filename,
	})

	log.Info("import completed", "processed", processed, "skipped", skipped, "total", total)
	return processed, nil
}

// collectBatch normalizes raw rows and resolves duplicate keys within the
// batch, last occurrence wins, matching the store's own conflict rule.
// Returns the surviving records and the number of dropped rows.
func (s *Service) collectBatch(log *slog.Logger, batch []RawRow) ([]model.Record, int) {
	records := make([]model.Record, 0, len(batch))
	index := make(map[string]int, len(batch))
	dropped := 0

	for _, raw := range batch {
		if raw.Err != nil {
			log.Warn("skipping malformed row", "line", raw.Line, "error", raw.Err)
			dropped++
			continue
		}

		rec, ok := normalizeRow(raw)
		if !ok {
			log.Debug("skipping row without key", "line", raw.Line)
			dropped++
			continue
		}

		key := strings.ToLower(rec.SKU)
		if at, dup := index[key]; dup {
			records[at] = rec
			continue
		}
		index[key] = len(records)
		records = append(records, rec)
	}

	return records, dropped
}

// AbortTask marks a task failed before its import ever started, for
// trigger-side errors such as a failed spool to disk.
func (s *Service) AbortTask(ctx context.Context, taskID, detail string) error {
	return s.ledger.MarkFailed(ctx, taskID, truncateDetail(detail))
}

// TaskStatus answers a polling client. While a job runs, the ephemeral
// signal is preferred; once it is gone (terminal state or process restart)
// the durable ledger answers.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (StatusResponse, error) {
	task, err := s.ledger.Get(ctx, taskID)
	if err != nil {
		return StatusResponse{}, err
	}

	switch task.Status {
	case model.TaskCompleted:
		return StatusResponse{
			Status:     task.Status,
			Current:    task.ProcessedRows,
			Total:      task.TotalRows,
			Percentage: 100,
			Message:    "import completed successfully",
		}, nil
	case model.TaskFailed:
		return StatusResponse{
			Status:  task.Status,
			Current: task.ProcessedRows,
			Total:   task.TotalRows,
			Message: task.ErrorMessage,
		}, nil
	}

	if p, ok := s.tracker.Get(task.TaskID); ok {
		return StatusResponse{
			Status:     model.TaskProcessing,
			Current:    p.Current,
			Total:      p.Total,
			Percentage: p.Percentage,
		}, nil
	}

	return StatusResponse{
		Status:  task.Status,
		Current: task.ProcessedRows,
		Total:   task.TotalRows,
	}, nil
}

// StatusResponse is the task status payload returned to polling clients.
type StatusResponse struct {
	Status     model.TaskStatus `json:"status"`
	Current    int              `json:"current"`
	Total      int              `json:"total"`
	Percentage int              `json:"percentage"`
	Message    string           `json:"message,omitempty"`
}

// ActiveImports returns how many jobs currently hold a concurrency slot.
func (s *Service) ActiveImports() int {
	return s.limiter.ActiveCount()
}

// WaitForImports blocks until all running jobs finish or ctx expires.
func (s *Service) WaitForImports(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// fail transitions the task to its terminal failed state. The ledger gets a
// truncated error detail; the caller gets the original error back.
func (s *Service) fail(ctx context.Context, log *slog.Logger, taskID string, err error) error {
	log.Error("import failed", "error", err)
	s.tracker.Drop(taskID)

	if lerr := s.ledger.MarkFailed(ctx, taskID, truncateDetail(err.Error())); lerr != nil {
		log.Error("failed to persist import failure", "error", lerr)
	}
	return err
}

// countTotal runs the row-count pre-pass on a fresh stream.
// Returns 0 (unknown) when the stream cannot be opened or counted.
func countTotal(log *slog.Logger, open StreamOpener) int {
	stream, err := open()
	if err != nil {
		log.Warn("row count pre-pass failed", "error", err)
		return 0
	}
	defer stream.Close()

	total, err := CountRows(stream)
	if err != nil {
		log.Warn("row count pre-pass failed", "error", err)
		return 0
	}
	return total
}

func truncateDetail(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}
