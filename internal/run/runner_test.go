package run

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/yamakatsunamamugi/autoai/internal/automation"
	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/sheetstore"
)

type memStore struct {
	mu     sync.Mutex
	values [][]string
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
	return nil
}

type instantAutomator struct {
	probes atomic.Int64
	input  atomic.Value
}

func (a *instantAutomator) SelectModel(ctx context.Context, name string) error    { return nil }
func (a *instantAutomator) SelectFunction(ctx context.Context, name string) error { return nil }
func (a *instantAutomator) InputText(ctx context.Context, text string) error {
	a.input.Store(text)
	return nil
}
func (a *instantAutomator) Send(ctx context.Context) error { return nil }
func (a *instantAutomator) InFlight(ctx context.Context) (bool, error) {
	return a.probes.Add(1)%2 == 1, nil
}
func (a *instantAutomator) GetResponse(ctx context.Context) (string, error) {
	prompt, _ := a.input.Load().(string)
	return "answer: " + prompt, nil
}
func (a *instantAutomator) Close() error { return nil }

func testConfig(baseDir string) model.Config {
	cfg := model.Config{}
	cfg.Spreadsheet.Workbook = filepath.Join(baseDir, "book.xlsx")
	cfg.Journal.Path = "journal.db"
	cfg.Logging.Level = "error"
	cfg.Daemon.ScanIntervalSec = 3600 // keep the ticker out of short tests
	cfg = cfg.ApplyDefaults()
	cfg.Executor.SubmitConfirmSec = 1
	cfg.Executor.PollIntervalMs = 1
	cfg.Executor.NormalTimeoutSec = 1
	return cfg
}

func newTestRunner(t *testing.T, store sheetstore.Store) (*Runner, string) {
	t.Helper()
	baseDir := t.TempDir()
	r, err := newRunner(baseDir, testConfig(baseDir), io.Discard, nil)
	require.NoError(t, err)
	r.SetStore(store)
	r.SetFactory(func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &instantAutomator{}, nil
	})
	return r, baseDir
}

func TestRunAnswersSheet(t *testing.T) {
	store := &memStore{values: [][]string{
		{"制御"},
		{"AI", "", "ChatGPT"},
		{"モデル"},
		{"機能"},
		{}, {}, {},
		{"番号", "ログ", "プロンプト", "回答"},
		{"1", "", "一つ目の質問", ""},
		{"2", "", "二つ目の質問", ""},
	}}
	r, baseDir := newTestRunner(t, store)

	completed, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 2, completed)

	store.mu.Lock()
	assert.Equal(t, "answer: 一つ目の質問", store.values[8][3])
	assert.Equal(t, "answer: 二つ目の質問", store.values[9][3])
	store.mu.Unlock()

	// The run-state snapshot reflects the terminal status.
	data, err := os.ReadFile(filepath.Join(baseDir, "state.yaml"))
	require.NoError(t, err)
	var state RunState
	require.NoError(t, yamlv3.Unmarshal(data, &state))
	assert.Equal(t, "completed", state.Status)
	assert.NotEmpty(t, state.RunID)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	store := &memStore{values: [][]string{
		{"番号", "プロンプト", "回答"},
	}}
	r, baseDir := newTestRunner(t, store)

	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "locks"), 0755))
	require.NoError(t, r.fileLock.TryLock())
	defer r.fileLock.Unlock()

	r2, err := newRunner(baseDir, testConfig(baseDir), io.Discard, nil)
	require.NoError(t, err)
	r2.SetStore(store)
	r2.SetFactory(func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &instantAutomator{}, nil
	})
	_, err = r2.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run lock")
}

func TestResumeSeedsCompletedCells(t *testing.T) {
	sheet := [][]string{
		{"制御"},
		{"AI", "", "ChatGPT"},
		{"モデル"},
		{"機能"},
		{}, {}, {},
		{"番号", "ログ", "プロンプト", "回答"},
		{"1", "", "一つ目の質問", ""},
	}
	store := &memStore{values: sheet}
	r, baseDir := newTestRunner(t, store)

	completed, err := r.Run()
	require.NoError(t, err)
	require.Equal(t, 1, completed)
	firstRun := r.journal.RunID()

	// Second runner over the same journal: the answered cell is pre-seeded.
	cfg := testConfig(baseDir)
	r2, err := newRunner(baseDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	r2.SetStore(store)
	r2.SetFactory(func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &instantAutomator{}, nil
	})
	require.NoError(t, r2.Resume(firstRun))
	assert.Equal(t, 1, r2.sched.Queue().CompletedCount())
	r2.Shutdown()
}

func TestBuildStoreSelection(t *testing.T) {
	_, err := buildStore(model.SpreadsheetConfig{})
	assert.Error(t, err)

	s, err := buildStore(model.SpreadsheetConfig{
		URL: "https://docs.google.com/spreadsheets/d/abc123_XYZ/edit#gid=42",
	})
	require.NoError(t, err)
	_, ok := s.(*sheetstore.GoogleStore)
	assert.True(t, ok)
}

func TestRunnerStopViaCancel(t *testing.T) {
	// A run whose sheet never empties (failing tasks, generous caps) stops
	// promptly when cancelled.
	store := &memStore{values: [][]string{
		{"制御"},
		{"AI", "", "ChatGPT"},
		{"モデル"},
		{"機能"},
		{}, {}, {},
		{"番号", "ログ", "プロンプト", "回答"},
		{"1", "", "終わらない質問", ""},
	}}
	baseDir := t.TempDir()
	cfg := testConfig(baseDir)
	cfg.Scheduler.MaxIterations = 1000
	cfg.Scheduler.GroupAttemptCap = 1000
	cfg.Executor.NormalTimeoutSec = 3600

	r, err := newRunner(baseDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	r.SetStore(store)
	r.SetFactory(func(ctx context.Context, ai model.AIType) (automation.Automator, error) {
		return &hangingAutomator{}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run()
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	r.cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// hangingAutomator keeps the in-flight indicator on forever.
type hangingAutomator struct{}

func (h *hangingAutomator) SelectModel(ctx context.Context, name string) error    { return nil }
func (h *hangingAutomator) SelectFunction(ctx context.Context, name string) error { return nil }
func (h *hangingAutomator) InputText(ctx context.Context, text string) error      { return nil }
func (h *hangingAutomator) Send(ctx context.Context) error                        { return nil }
func (h *hangingAutomator) InFlight(ctx context.Context) (bool, error)            { return true, nil }
func (h *hangingAutomator) GetResponse(ctx context.Context) (string, error)       { return "", nil }
func (h *hangingAutomator) Close() error                                          { return nil }
