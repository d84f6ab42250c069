package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmelabs/product-importer/internal/model"
	"github.com/acmelabs/product-importer/internal/webhook"
)

// fakeRecordStore keeps records in a map keyed by the lowercased SKU, the
// same conflict rule the real store enforces in SQL. failOnBatch injects a
// failure on the nth UpsertBatch call (1-based), leaving earlier batches
// applied, which is exactly the partial-commit behavior of the pipeline.
type fakeRecordStore struct {
	mu          sync.Mutex
	records     map[string]model.Record
	batchSizes  []int
	failOnBatch int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]model.Record)}
}

func (f *fakeRecordStore) UpsertBatch(_ context.Context, batch []model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.batchSizes) + 1
	if f.failOnBatch > 0 && call == f.failOnBatch {
		return errors.New("simulated storage failure")
	}

	for _, rec := range batch {
		f.records[strings.ToLower(rec.SKU)] = rec
	}
	f.batchSizes = append(f.batchSizes, len(batch))
	return nil
}

func (f *fakeRecordStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeRecordStore) snapshot() map[string]model.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.Record, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out
}

func (f *fakeRecordStore) get(sku string) (model.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[strings.ToLower(sku)]
	return rec, ok
}

// fakeLedger mirrors the real ledger's guarded transitions so the tests
// catch out-of-order state changes.
type fakeLedger struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tasks: make(map[string]*model.Task)}
}

func (f *fakeLedger) Create(_ context.Context, taskID, filename string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := &model.Task{
		ID:        int64(len(f.tasks) + 1),
		TaskID:    taskID,
		Filename:  filename,
		Status:    model.TaskPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.tasks[taskID] = task
	return *task, nil
}

func (f *fakeLedger) Get(_ context.Context, taskID string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return model.Task{}, model.ErrTaskNotFound
	}
	return *task, nil
}

func (f *fakeLedger) MarkProcessing(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.Status != model.TaskPending {
		return fmt.Errorf("task %s not pending", taskID)
	}
	task.Status = model.TaskProcessing
	return nil
}

func (f *fakeLedger) SetTotalRows(_ context.Context, taskID string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	task.TotalRows = total
	return nil
}

func (f *fakeLedger) SetProcessedRows(_ context.Context, taskID string, processed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	task.ProcessedRows = processed
	return nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, taskID string, processed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.Status != model.TaskProcessing {
		return fmt.Errorf("task %s not processing", taskID)
	}
	task.Status = model.TaskCompleted
	task.ProcessedRows = processed
	return nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, taskID string, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return model.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s already terminal", taskID)
	}
	task.Status = model.TaskFailed
	task.ErrorMessage = detail
	return nil
}

type dispatchedEvent struct {
	eventType string
	payload   map[string]any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

func (f *fakeNotifier) Dispatch(_ context.Context, eventType string, payload map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, dispatchedEvent{eventType: eventType, payload: payload})
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []dispatchedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedEvent(nil), f.events...)
}

func openerFor(content string) StreamOpener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

func newTestService(store RecordStore, ledger TaskLedger, notifier Notifier, batchSize int) *Service {
	return NewService(store, ledger, notifier, Options{
		BatchSize:     batchSize,
		MaxConcurrent: 2,
		MaxWaitTime:   time.Second,
	})
}

func buildCSV(rows int) string {
	var sb strings.Builder
	sb.WriteString("sku,name,description,price\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "SKU%04d,Item %d,desc %d,%d.99\n", i, i, i, i%100)
	}
	return sb.String()
}

func TestService_RunFullImport(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	svc := newTestService(store, ledger, notifier, 1000)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "catalog.csv")
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, task.Status)
	require.NotEmpty(t, task.TaskID)

	processed, err := svc.Run(ctx, task.TaskID, "catalog.csv", openerFor(buildCSV(2500)))
	require.NoError(t, err)
	assert.Equal(t, 2500, processed)

	assert.Equal(t, []int{1000, 1000, 500}, store.batchSizes)
	assert.Equal(t, 2500, store.count())

	final, err := ledger.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, final.Status)
	assert.Equal(t, 2500, final.TotalRows)
	assert.Equal(t, 2500, final.ProcessedRows)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventRecordImported, events[0].eventType)
	assert.Equal(t, task.TaskID, events[0].payload["task_id"])
	assert.Equal(t, 2500, events[0].payload["total_rows"])
	assert.Equal(t, "catalog.csv", events[0].payload["filename"])

	// The ephemeral signal is gone once the task is terminal.
	_, ok := svc.tracker.Get(task.TaskID)
	assert.False(t, ok)
}

func TestService_DuplicateKeysLastOccurrenceWins(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 1000)

	csv := "sku,name,price\n" +
		"ABC-1,first,1.00\n" +
		"abc-1,second,2.00\n" +
		"ABC-1,third,3.00\n"

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "dupes.csv")
	require.NoError(t, err)

	processed, err := svc.Run(ctx, task.TaskID, "dupes.csv", openerFor(csv))
	require.NoError(t, err)

	// All three rows count as processed even though only one survives.
	assert.Equal(t, 3, processed)
	assert.Equal(t, 1, store.count())

	rec, ok := store.get("abc-1")
	require.True(t, ok)
	assert.Equal(t, "third", rec.Name)
	assert.Equal(t, []int{1}, store.batchSizes)
}

func TestService_ReimportSameFileIsIdempotent(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 50)

	csv := buildCSV(150)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, "catalog.csv")
	require.NoError(t, err)
	firstProcessed, err := svc.Run(ctx, first.TaskID, "catalog.csv", openerFor(csv))
	require.NoError(t, err)
	require.Equal(t, 150, firstProcessed)
	afterFirst := store.snapshot()

	second, err := svc.CreateTask(ctx, "catalog.csv")
	require.NoError(t, err)
	secondProcessed, err := svc.Run(ctx, second.TaskID, "catalog.csv", openerFor(csv))
	require.NoError(t, err)

	// Re-importing the identical file changes nothing: same processed count,
	// one row per key, identical store contents.
	assert.Equal(t, firstProcessed, secondProcessed)
	assert.Equal(t, 150, store.count())
	assert.Equal(t, afterFirst, store.snapshot())

	firstTask, _ := ledger.Get(ctx, first.TaskID)
	secondTask, _ := ledger.Get(ctx, second.TaskID)
	assert.Equal(t, model.TaskCompleted, secondTask.Status)
	assert.Equal(t, firstTask.ProcessedRows, secondTask.ProcessedRows)
	assert.Equal(t, firstTask.TotalRows, secondTask.TotalRows)
}

func TestService_BlankKeyCountedNotStored(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 1000)

	csv := "sku,name\nA1,keep\n   ,drop\nB2,keep\n"

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "blanks.csv")
	require.NoError(t, err)

	processed, err := svc.Run(ctx, task.TaskID, "blanks.csv", openerFor(csv))
	require.NoError(t, err)

	assert.Equal(t, 3, processed)
	assert.Equal(t, 2, store.count())

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Equal(t, 3, final.ProcessedRows)
}

func TestService_UnparseablePriceStoredAsNull(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 1000)

	csv := "sku,name,price\nA1,thing,not-a-price\n"

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "prices.csv")
	require.NoError(t, err)

	_, err = svc.Run(ctx, task.TaskID, "prices.csv", openerFor(csv))
	require.NoError(t, err)

	rec, ok := store.get("A1")
	require.True(t, ok)
	assert.False(t, rec.Price.Valid)
}

func TestService_StoreFailureFailsTask(t *testing.T) {
	store := newFakeRecordStore()
	store.failOnBatch = 2
	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	svc := newTestService(store, ledger, notifier, 1000)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "big.csv")
	require.NoError(t, err)

	processed, err := svc.Run(ctx, task.TaskID, "big.csv", openerFor(buildCSV(2500)))
	require.Error(t, err)

	// The first batch committed and stays committed.
	assert.Equal(t, 1000, processed)
	assert.Equal(t, 1000, store.count())

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, 1000, final.ProcessedRows)
	assert.Contains(t, final.ErrorMessage, "simulated storage failure")
	assert.LessOrEqual(t, len(final.ErrorMessage), 500)

	assert.Empty(t, notifier.all(), "no notification on failure")
}

func TestService_OpenFailureFailsTask(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(newFakeRecordStore(), ledger, &fakeNotifier{}, 1000)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "gone.csv")
	require.NoError(t, err)

	opener := func() (io.ReadCloser, error) {
		return nil, errors.New("file vanished")
	}

	_, err = svc.Run(ctx, task.TaskID, "gone.csv", opener)
	require.Error(t, err)

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Equal(t, model.TaskFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "file vanished")
}

func TestService_ErrorDetailTruncated(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(newFakeRecordStore(), ledger, &fakeNotifier{}, 1000)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "long.csv")
	require.NoError(t, err)

	long := strings.Repeat("x", 2000)
	opener := func() (io.ReadCloser, error) {
		return nil, errors.New(long)
	}

	_, err = svc.Run(ctx, task.TaskID, "long.csv", opener)
	require.Error(t, err)

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Len(t, final.ErrorMessage, 500)
}

func TestService_StartImportRunsInBackground(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 100)

	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "async.csv")
	require.NoError(t, err)

	require.NoError(t, svc.StartImport(ctx, task.TaskID, "async.csv", openerFor(buildCSV(250))))

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForImports(drainCtx))

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Equal(t, model.TaskCompleted, final.Status)
	assert.Equal(t, 250, final.ProcessedRows)
	assert.Equal(t, 0, svc.ActiveImports())
}

func TestService_TaskStatus(t *testing.T) {
	store := newFakeRecordStore()
	ledger := newFakeLedger()
	svc := newTestService(store, ledger, &fakeNotifier{}, 1000)
	ctx := context.Background()

	t.Run("unknown task", func(t *testing.T) {
		_, err := svc.TaskStatus(ctx, "no-such-task")
		assert.ErrorIs(t, err, model.ErrTaskNotFound)
	})

	t.Run("pending task before any progress", func(t *testing.T) {
		task, err := svc.CreateTask(ctx, "pending.csv")
		require.NoError(t, err)

		status, err := svc.TaskStatus(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPending, status.Status)
		assert.Equal(t, 0, status.Percentage)
	})

	t.Run("running task reads the live signal", func(t *testing.T) {
		task, err := svc.CreateTask(ctx, "running.csv")
		require.NoError(t, err)
		require.NoError(t, ledger.MarkProcessing(ctx, task.TaskID))

		svc.tracker.Publish(task.TaskID, 400, 1000)

		status, err := svc.TaskStatus(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskProcessing, status.Status)
		assert.Equal(t, 400, status.Current)
		assert.Equal(t, 1000, status.Total)
		assert.Equal(t, 40, status.Percentage)
	})

	t.Run("completed task reports one hundred percent", func(t *testing.T) {
		task, err := svc.CreateTask(ctx, "done.csv")
		require.NoError(t, err)

		processed, err := svc.Run(ctx, task.TaskID, "done.csv", openerFor(buildCSV(5)))
		require.NoError(t, err)
		require.Equal(t, 5, processed)

		status, err := svc.TaskStatus(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCompleted, status.Status)
		assert.Equal(t, 100, status.Percentage)
		assert.Equal(t, 5, status.Current)
		assert.NotEmpty(t, status.Message)
	})

	t.Run("failed task carries the error detail", func(t *testing.T) {
		task, err := svc.CreateTask(ctx, "broken.csv")
		require.NoError(t, err)

		opener := func() (io.ReadCloser, error) { return nil, errors.New("boom") }
		_, err = svc.Run(ctx, task.TaskID, "broken.csv", opener)
		require.Error(t, err)

		status, err := svc.TaskStatus(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskFailed, status.Status)
		assert.Contains(t, status.Message, "boom")
	})
}

func TestService_AbortTask(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(newFakeRecordStore(), ledger, &fakeNotifier{}, 1000)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "spool-failed.csv")
	require.NoError(t, err)

	require.NoError(t, svc.AbortTask(ctx, task.TaskID, "could not persist upload"))

	final, _ := ledger.Get(ctx, task.TaskID)
	assert.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, "could not persist upload", final.ErrorMessage)
}
