package scheduler

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/autoai/internal/automation"
	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/events"
	"github.com/yamakatsunamamugi/autoai/internal/executor"
	"github.com/yamakatsunamamugi/autoai/internal/grouping"
	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/sheetstore"
	"github.com/yamakatsunamamugi/autoai/internal/windows"
)

// memStore is an in-memory sheet. Writes land in the backing grid, so a
// rescan observes its own earlier write-backs.
type memStore struct {
	mu     sync.Mutex
	values [][]string
	writes []string // cell keys in write order
}

func newMemStore(values [][]string) *memStore {
	return &memStore{values: values}
}

func (m *memStore) Read(ctx context.Context) (*model.SheetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([][]string, len(m.values))
	for i, row := range m.values {
		copied[i] = append([]string(nil), row...)
	}
	return sheetstore.BuildSnapshot(copied)
}

func (m *memStore) Write(ctx context.Context, cellKey, value string) error {
	col, row, err := cell.ParseKey(cellKey)
	if err != nil {
		return err
	}
	colIdx, err := cell.ColumnToIndex(col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rowIdx := row - 1
	for len(m.values) <= rowIdx {
		m.values = append(m.values, nil)
	}
	for len(m.values[rowIdx]) <= colIdx {
		m.values[rowIdx] = append(m.values[rowIdx], "")
	}
	m.values[rowIdx][colIdx] = value
	m.writes = append(m.writes, cellKey)
	return nil
}

func (m *memStore) cellValue(t *testing.T, key string) string {
	t.Helper()
	col, row, err := cell.ParseKey(key)
	require.NoError(t, err)
	colIdx, err := cell.ColumnToIndex(col)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if row-1 >= len(m.values) || colIdx >= len(m.values[row-1]) {
		return ""
	}
	return m.values[row-1][colIdx]
}

// scriptedAutomator answers instantly: the in-flight indicator is seen once
// (submit confirm) then reported absent (completion). Setting fail makes
// every task produce an empty response.
type scriptedAutomator struct {
	probes    atomic.Int64
	lastInput atomic.Value
	fail      bool
}

func (a *scriptedAutomator) SelectModel(ctx context.Context, name string) error    { return nil }
func (a *scriptedAutomator) SelectFunction(ctx context.Context, name string) error { return nil }
func (a *scriptedAutomator) InputText(ctx context.Context, text string) error {
	a.lastInput.Store(text)
	return nil
}
func (a *scriptedAutomator) Send(ctx context.Context) error { return nil }
func (a *scriptedAutomator) InFlight(ctx context.Context) (bool, error) {
	return a.probes.Add(1)%2 == 1, nil
}
func (a *scriptedAutomator) GetResponse(ctx context.Context) (string, error) {
	if a.fail {
		return "", nil
	}
	prompt, _ := a.lastInput.Load().(string)
	return "answer: " + prompt, nil
}
func (a *scriptedAutomator) Close() error { return nil }

func fastTiming() executor.Timing {
	return executor.Timing{
		SubmitMaxAttempts:     2,
		SubmitConfirm:         20 * time.Millisecond,
		PollInterval:          time.Millisecond,
		NormalTimeout:         200 * time.Millisecond,
		SpecialAppearWait:     20 * time.Millisecond,
		SpecialDebounce:       5 * time.Millisecond,
		SpecialTimeout:        200 * time.Millisecond,
		SpecialRepromptWindow: 0,
	}
}

// singleGroupSheet lays out one single-AI group: numbers A, log B, prompt C,
// answer D. The menu row sits at index 7 so work rows start at index 8.
func singleGroupSheet(extraControl string) [][]string {
	return [][]string{
		{"制御", "", extraControl},
		{"AI", "", "ChatGPT"},
		{"モデル", "", "GPT-4o"},
		{"機能", ""},
		{}, {}, {},
		{"番号", "ログ", "プロンプト", "回答"},
		{"1", "", "太陽系の構造を説明して", ""},
		{"2", "", "月の成り立ちを説明して", ""},
	}
}

func newTestScheduler(t *testing.T, store sheetstore.Store, fail bool, cfg model.SchedulerConfig) (*Scheduler, *events.Bus) {
	t.Helper()
	factory := func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &scriptedAutomator{fail: fail}, nil
	}
	pool := windows.NewManager(factory, 4, io.Discard)
	t.Cleanup(func() { pool.Close() })

	bus := events.NewBus(100)
	t.Cleanup(bus.Close)

	return New(Params{
		Store:     store,
		Pool:      pool,
		Executor:  executor.New(fastTiming(), io.Discard, "error"),
		Bus:       bus,
		Config:    cfg,
		CellLimit: 50000,
		LogWriter: io.Discard,
	}), bus
}

func defaultCfg() model.SchedulerConfig {
	return model.SchedulerConfig{
		BatchSize:       3,
		MaxIterations:   10,
		GroupAttemptCap: 2,
		WorkRowStart:    8,
		DefaultAI:       "chatgpt",
	}
}

func TestProcessAllAnswersEveryRow(t *testing.T) {
	store := newMemStore(singleGroupSheet(""))
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	assert.Equal(t, "answer: 太陽系の構造を説明して", store.cellValue(t, "D9"))
	assert.Equal(t, "answer: 月の成り立ちを説明して", store.cellValue(t, "D10"))
	// Log column carries a completion note per answered row.
	assert.NotEmpty(t, store.cellValue(t, "B9"))
	assert.NotEmpty(t, store.cellValue(t, "B10"))

	assert.Equal(t, model.StatusCompleted, s.CellStatus("D9"))
	assert.Equal(t, model.StatusCompleted, s.CellStatus("D10"))
}

func TestCellStatusRejectsDoubleFinish(t *testing.T) {
	store := newMemStore(singleGroupSheet(""))
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	s.advance("D9", model.StatusInProgress)
	s.advance("D9", model.StatusCompleted)
	// A late duplicate result must not flip a terminal status.
	s.advance("D9", model.StatusFailed)
	assert.Equal(t, model.StatusCompleted, s.CellStatus("D9"))

	assert.Equal(t, model.StatusPending, s.CellStatus("Z99"), "untouched cells read as pending")
}

func TestProcessAllNoPromptData(t *testing.T) {
	values := singleGroupSheet("")
	values[8][2] = ""
	values[9][2] = ""
	store := newMemStore(values)
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Empty(t, store.writes)
}

func TestProcessAllSkipsAnsweredCells(t *testing.T) {
	values := singleGroupSheet("")
	values[8][3] = "既存の回答"
	store := newMemStore(values)
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, "既存の回答", store.cellValue(t, "D9"))
}

func TestProcessAllFailedCellNotRedispatched(t *testing.T) {
	store := newMemStore(singleGroupSheet(""))

	var dispatches atomic.Int64
	factory := func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &countingAutomator{dispatches: &dispatches}, nil
	}
	pool := windows.NewManager(factory, 4, io.Discard)
	t.Cleanup(func() { pool.Close() })
	bus := events.NewBus(100)
	t.Cleanup(bus.Close)

	s := New(Params{
		Store:     store,
		Pool:      pool,
		Executor:  executor.New(fastTiming(), io.Discard, "error"),
		Bus:       bus,
		Config:    defaultCfg(),
		CellLimit: 50000,
		LogWriter: io.Discard,
	})

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	// Both cells fail, stay unwritten, and are dispatched exactly once each.
	assert.Empty(t, store.cellValue(t, "D9"))
	assert.Empty(t, store.cellValue(t, "D10"))
	assert.Equal(t, int64(2), dispatches.Load())
	assert.Equal(t, model.StatusFailed, s.CellStatus("D9"))
	assert.Equal(t, model.StatusFailed, s.CellStatus("D10"))
}

// countingAutomator fails every task (empty response) and counts how many
// prompts it was handed.
type countingAutomator struct {
	probes     atomic.Int64
	dispatches *atomic.Int64
}

func (a *countingAutomator) SelectModel(ctx context.Context, name string) error    { return nil }
func (a *countingAutomator) SelectFunction(ctx context.Context, name string) error { return nil }
func (a *countingAutomator) InputText(ctx context.Context, text string) error {
	a.dispatches.Add(1)
	return nil
}
func (a *countingAutomator) Send(ctx context.Context) error { return nil }
func (a *countingAutomator) InFlight(ctx context.Context) (bool, error) {
	return a.probes.Add(1)%2 == 1, nil
}
func (a *countingAutomator) GetResponse(ctx context.Context) (string, error) { return "", nil }
func (a *countingAutomator) Close() error                                    { return nil }

func TestProcessAllRetiresGroupAtAttemptCap(t *testing.T) {
	// The sheet grows a new work row after the first scan: the second wave of
	// new work exceeds a cap of one scheduling round and retires the group.
	cfg := defaultCfg()
	cfg.GroupAttemptCap = 1
	store := &growingStore{memStore: newMemStore(singleGroupSheet("")), extra: []string{"3", "", "追加の質問", ""}}
	s, bus := newTestScheduler(t, store, false, cfg)

	var skips atomic.Int64
	bus.Subscribe(events.EventGroupSkipped, func(e events.Event) {
		skips.Add(1)
	})

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	// The original rows are answered; the late row is retired unanswered.
	assert.NotEmpty(t, store.cellValue(t, "D9"))
	assert.NotEmpty(t, store.cellValue(t, "D10"))
	assert.Empty(t, store.cellValue(t, "D11"))
	assert.Equal(t, model.StatusSkipped, s.CellStatus("D11"))
	assert.Eventually(t, func() bool { return skips.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

// growingStore appends one extra work row before the second read.
type growingStore struct {
	*memStore
	reads atomic.Int64
	extra []string
}

func (g *growingStore) Read(ctx context.Context) (*model.SheetSnapshot, error) {
	if g.reads.Add(1) == 2 {
		g.mu.Lock()
		g.values = append(g.values, append([]string(nil), g.extra...))
		g.mu.Unlock()
	}
	return g.memStore.Read(ctx)
}

func TestProcessAllIterationCapWarns(t *testing.T) {
	// Two rows, one-task batches, a single allowed iteration: the second
	// batch trips the cap while work is still pending.
	cfg := defaultCfg()
	cfg.MaxIterations = 1
	cfg.BatchSize = 1
	store := newMemStore(singleGroupSheet(""))
	s, bus := newTestScheduler(t, store, false, cfg)

	var warned atomic.Bool
	bus.Subscribe(events.EventRunWarning, func(e events.Event) {
		if e.Data["reason"] == "iteration_cap" {
			warned.Store(true)
		}
	})

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done, "only the first batch may run")
	assert.Eventually(t, warned.Load, time.Second, 10*time.Millisecond)
}

func TestProcessAllRescansBetweenBatches(t *testing.T) {
	// A row added mid-run is picked up by the per-batch rescan without a new
	// ProcessAll call.
	store := &growingStore{memStore: newMemStore(singleGroupSheet("")), extra: []string{"3", "", "追加の質問", ""}}
	cfg := defaultCfg()
	cfg.BatchSize = 2
	s, _ := newTestScheduler(t, store, false, cfg)

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, done)
	assert.Equal(t, "answer: 追加の質問", store.cellValue(t, "D11"))
}

func TestSeedProgressResumesSpecialWait(t *testing.T) {
	// A special-function task whose indicator never reappears: without a
	// seeded marker the appear phase times out, with one the wait resumes
	// mid-stream and completes.
	values := singleGroupSheet("")
	values[3] = []string{"機能", "", "DeepResearch"}
	values = values[:9] // one work row

	run := func(seed bool) (int, *memStore) {
		store := newMemStore(append([][]string(nil), values...))
		factory := func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
			return &oneShotFlightAutomator{}, nil
		}
		pool := windows.NewManager(factory, 4, io.Discard)
		t.Cleanup(func() { pool.Close() })
		bus := events.NewBus(100)
		t.Cleanup(bus.Close)

		s := New(Params{
			Store:     store,
			Pool:      pool,
			Executor:  executor.New(fastTiming(), io.Discard, "error"),
			Bus:       bus,
			Config:    defaultCfg(),
			CellLimit: 50000,
			LogWriter: io.Discard,
		})
		if seed {
			s.SeedProgress(map[string]executor.Progress{
				"D9": {State: executor.StateStreaming, ElapsedTicks: 40},
			})
		}
		done, err := s.ProcessAll(context.Background())
		require.NoError(t, err)
		return done, store
	}

	done, store := run(false)
	assert.Equal(t, 0, done, "fresh special wait must time out in the appear phase")
	assert.Empty(t, store.cellValue(t, "D9"))

	done, store = run(true)
	assert.Equal(t, 1, done, "seeded wait must resume and complete")
	assert.NotEmpty(t, store.cellValue(t, "D9"))
}

// oneShotFlightAutomator shows the in-flight indicator exactly once (the
// submit confirmation) and never again.
type oneShotFlightAutomator struct {
	probes atomic.Int64
	input  atomic.Value
}

func (a *oneShotFlightAutomator) SelectModel(ctx context.Context, name string) error    { return nil }
func (a *oneShotFlightAutomator) SelectFunction(ctx context.Context, name string) error { return nil }
func (a *oneShotFlightAutomator) InputText(ctx context.Context, text string) error {
	a.input.Store(text)
	return nil
}
func (a *oneShotFlightAutomator) Send(ctx context.Context) error { return nil }
func (a *oneShotFlightAutomator) InFlight(ctx context.Context) (bool, error) {
	return a.probes.Add(1) == 1, nil
}
func (a *oneShotFlightAutomator) GetResponse(ctx context.Context) (string, error) {
	prompt, _ := a.input.Load().(string)
	return "answer: " + prompt, nil
}
func (a *oneShotFlightAutomator) Close() error { return nil }

func TestProcessAllHonorsOnlyDirective(t *testing.T) {
	// Two groups: prompt C/answer D and prompt F/answer G. An only-directive
	// on F keeps the first group out entirely.
	values := [][]string{
		{"制御", "", "", "", "", "F列のみ処理"},
		{"AI", "", "ChatGPT", "", "", "Claude"},
		{"モデル", ""},
		{"機能", ""},
		{}, {}, {},
		{"番号", "ログ", "プロンプト", "回答", "ログ", "プロンプト", "回答"},
		{"1", "", "質問その一", "", "", "質問その二", ""},
	}
	store := newMemStore(values)
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, store.cellValue(t, "D9"), "filtered group must not run")
	assert.Equal(t, "answer: 質問その二", store.cellValue(t, "G9"))
}

func TestProcessAllRowRange(t *testing.T) {
	values := singleGroupSheet("9〜9行")
	store := newMemStore(values)
	s, _ := newTestScheduler(t, store, false, defaultCfg())

	done, err := s.ProcessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.NotEmpty(t, store.cellValue(t, "D9"))
	assert.Empty(t, store.cellValue(t, "D10"))
}

func TestQueueEnqueueIdempotent(t *testing.T) {
	q := NewQueue()
	task := model.Task{ID: "task_1700000000_aabbccdd", Cell: model.CellRef{Column: "C", Row: 9}}

	assert.Equal(t, 1, q.Enqueue([]model.Task{task}))
	assert.Equal(t, 0, q.Enqueue([]model.Task{task}), "pending cell must not re-enqueue")

	batch := q.NextBatch(3)
	require.Len(t, batch, 1)

	// In-flight: still no re-enqueue.
	assert.Equal(t, 0, q.Enqueue([]model.Task{task}))

	q.MarkCompleted(task.Cell.Key(), true)
	assert.Equal(t, 0, q.Enqueue([]model.Task{task}), "answered cell must never re-enqueue")
}

func TestQueueFailureIsTerminal(t *testing.T) {
	q := NewQueue()
	task := model.Task{ID: "task_1700000000_aabbccdd", Cell: model.CellRef{Column: "C", Row: 9}}

	q.Enqueue([]model.Task{task})
	q.NextBatch(1)
	q.MarkCompleted(task.Cell.Key(), false)

	assert.Equal(t, 0, q.Enqueue([]model.Task{task}), "failed cell must never be re-dispatched")
	assert.Equal(t, 0, q.Acceptable([]model.Task{task}))
	assert.Equal(t, 0, q.CompletedCount(), "failures do not count as completed")
}

func TestQueueAcceptableDoesNotEnqueue(t *testing.T) {
	q := NewQueue()
	tasks := []model.Task{
		{Cell: model.CellRef{Column: "C", Row: 9}},
		{Cell: model.CellRef{Column: "C", Row: 10}},
	}

	assert.Equal(t, 2, q.Acceptable(tasks))
	assert.Equal(t, 0, q.Len(), "Acceptable must not add tasks")

	q.Enqueue(tasks[:1])
	assert.Equal(t, 1, q.Acceptable(tasks), "pending cell no longer counts")
}

func TestQueueNextBatchSize(t *testing.T) {
	q := NewQueue()
	var tasks []model.Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, model.Task{Cell: model.CellRef{Column: "C", Row: 9 + i}})
	}
	q.Enqueue(tasks)

	assert.Len(t, q.NextBatch(3), 3)
	assert.Len(t, q.NextBatch(3), 2)
	assert.Nil(t, q.NextBatch(3))
}

func TestQueueRecordAttemptCap(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.RecordAttempt(0, 2))
	assert.False(t, q.RecordAttempt(0, 2))
	assert.True(t, q.RecordAttempt(0, 2), "third round exceeds the cap")
	assert.False(t, q.RecordAttempt(0, 2), "retirement is reported once")
	assert.True(t, q.GroupSkipped(0))
}

func TestBuildGroupTasksThreeWay(t *testing.T) {
	values := [][]string{
		{"制御"},
		{"AI", "3種類"},
		{"モデル"},
		{"機能"},
		{}, {}, {},
		{"ログ", "プロンプト", "回答", "回答", "回答"},
		{"1", "比較して", "", "既にある", ""},
	}
	snap, err := sheetstore.BuildSnapshot(values)
	require.NoError(t, err)

	groups := discoverForTest(t, snap)
	require.Len(t, groups, 1)
	require.Equal(t, model.GroupThreeWay, groups[0].Kind)

	gen, err := buildGroupTasks(snap, groups[0], nil, 8)
	require.NoError(t, err)
	require.Len(t, gen.tasks, 2, "answered claude cell must be skipped")
	assert.Equal(t, model.AIChatGPT, gen.tasks[0].AI)
	assert.Equal(t, model.AIGemini, gen.tasks[1].AI)
	assert.Equal(t, 1, gen.answered)
}

func TestBuildGroupTasksAdditionalPrompts(t *testing.T) {
	values := [][]string{
		{"制御"},
		{"AI", "ChatGPT"},
		{"モデル"},
		{"機能"},
		{}, {}, {},
		{"ログ", "プロンプト", "プロンプト2", "回答"},
		{"1", "前提:", "続き:", ""},
	}
	snap, err := sheetstore.BuildSnapshot(values)
	require.NoError(t, err)

	groups := discoverForTest(t, snap)
	require.Len(t, groups, 1)

	gen, err := buildGroupTasks(snap, groups[0], nil, 8)
	require.NoError(t, err)
	require.Len(t, gen.tasks, 1)
	assert.Equal(t, "前提:\n続き:", gen.tasks[0].Prompt)
	assert.Equal(t, "D", gen.tasks[0].Cell.Column)
}

func discoverForTest(t *testing.T, snap *model.SheetSnapshot) []model.ColumnGroup {
	t.Helper()
	groups, err := grouping.Discover(snap, grouping.Options{DefaultAI: model.AIChatGPT})
	require.NoError(t, err)
	return groups
}
