// Package run assembles and supervises one automation run: store selection,
// window pool, scheduler, journal, control socket, and shutdown handling.
package run

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yamakatsunamamugi/autoai/internal/automation"
	"github.com/yamakatsunamamugi/autoai/internal/events"
	"github.com/yamakatsunamamugi/autoai/internal/executor"
	"github.com/yamakatsunamamugi/autoai/internal/journal"
	"github.com/yamakatsunamamugi/autoai/internal/lock"
	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/scheduler"
	"github.com/yamakatsunamamugi/autoai/internal/sheetstore"
	"github.com/yamakatsunamamugi/autoai/internal/uds"
	"github.com/yamakatsunamamugi/autoai/internal/windows"
	"github.com/yamakatsunamamugi/autoai/internal/yamlio"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// RunState is the resumable snapshot written after every terminal task.
type RunState struct {
	RunID       string `yaml:"run_id"`
	Spreadsheet string `yaml:"spreadsheet"`
	Status      string `yaml:"status"`
	Completed   int    `yaml:"completed"`
	UpdatedAt   string `yaml:"updated_at"`
}

// Runner owns one run's lifecycle end to end.
type Runner struct {
	baseDir  string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store   sheetstore.Store
	pool    *windows.Manager
	sched   *scheduler.Scheduler
	journal *journal.Journal
	bus     *events.Bus

	// factory overrides the chromedp registry, for tests.
	factory automation.Factory

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	completed atomic.Int64
	forceExit atomic.Bool
}

// New creates a Runner logging to baseDir/logs/run.log.
func New(baseDir string, cfg model.Config) (*Runner, error) {
	logPath := filepath.Join(baseDir, "logs", "run.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return newRunner(baseDir, cfg, logFile, logFile)
}

// newRunner is the internal constructor for testing.
func newRunner(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Runner, error) {
	cfg = cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 30
	}

	return &Runner{
		baseDir:  baseDir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(baseDir, "locks", "run.lock")),
		server:   uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName)),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetFactory substitutes the window factory. Must be called before Run.
func (r *Runner) SetFactory(f automation.Factory) {
	r.factory = f
}

// SetStore substitutes the sheet store. Must be called before Run.
func (r *Runner) SetStore(s sheetstore.Store) {
	r.store = s
}

// Run executes one full pass over the sheet and blocks until it completes or
// a shutdown signal arrives. Returns the number of answered cells.
func (r *Runner) Run() (int, error) {
	if err := os.MkdirAll(filepath.Join(r.baseDir, "locks"), 0755); err != nil {
		return 0, fmt.Errorf("create lock dir: %w", err)
	}
	if err := r.fileLock.TryLock(); err != nil {
		return 0, fmt.Errorf("run lock: %w", err)
	}
	r.log(LogLevelInfo, "run starting pid=%d", os.Getpid())

	if r.sched == nil {
		if err := r.buildComponents(); err != nil {
			r.cleanup()
			return 0, err
		}
	}

	runID, err := r.journal.StartRun(r.ctx, r.spreadsheetRef())
	if err != nil {
		r.cleanup()
		return 0, fmt.Errorf("start run: %w", err)
	}
	r.log(LogLevelInfo, "run_id=%s spreadsheet=%s", runID, r.spreadsheetRef())

	r.registerHandlers()
	if err := r.server.Start(); err != nil {
		r.cleanup()
		return 0, fmt.Errorf("start control socket: %w", err)
	}

	r.startWatcher()
	r.wg.Add(1)
	go r.tickerLoop()

	unsubscribe := r.bus.Subscribe(events.EventTaskCompleted, func(e events.Event) {
		if ok, _ := e.Data["success"].(bool); ok {
			r.completed.Add(1)
		}
		r.writeState("running")
	})
	defer unsubscribe()

	done := make(chan struct{})
	var completed int
	var runErr error
	go func() {
		defer close(done)
		completed, runErr = r.sched.ProcessAll(r.ctx)
	}()

	r.waitSignals(done)
	<-done

	status := "completed"
	if runErr != nil {
		status = "interrupted"
		r.log(LogLevelWarn, "run interrupted error=%v", runErr)
	}
	if err := r.journal.FinishRun(context.Background(), status, completed); err != nil {
		r.log(LogLevelError, "finish run error=%v", err)
	}
	r.writeState(status)
	r.Shutdown()
	r.log(LogLevelInfo, "run finished status=%s completed=%d", status, completed)
	return completed, runErr
}

// buildComponents wires store, pool, executor, journal, and scheduler.
func (r *Runner) buildComponents() error {
	if r.store == nil {
		store, err := buildStore(r.config.Spreadsheet)
		if err != nil {
			return err
		}
		r.store = store
	}

	if r.factory == nil {
		registry, err := automation.NewRegistry(r.config.Automation.ProfileDir, r.config.Automation.Headless)
		if err != nil {
			return fmt.Errorf("load automation profiles: %w", err)
		}
		r.factory = registry.Open
	}
	r.pool = windows.NewManager(r.factory, r.config.Windows.Count, r.logger.Writer())

	if r.journal == nil {
		j, err := journal.Open(r.journalPath())
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		r.journal = j
	}
	j := r.journal

	exec := executor.New(executor.TimingFromConfig(r.config.Executor), r.logger.Writer(), r.config.Logging.Level)
	exec.SetProgressSink(j.SaveProgress)

	r.bus = events.NewBus(100)
	r.sched = scheduler.New(scheduler.Params{
		Store:     r.store,
		Pool:      r.pool,
		Executor:  exec,
		Bus:       r.bus,
		Recorder:  j,
		Config:    r.config.Scheduler,
		CellLimit: r.config.Store.CellCharLimit,
		LogWriter: r.logger.Writer(),
	})
	return nil
}

// Resume seeds the queue with the previous run's answered cells. Call before
// Run.
func (r *Runner) Resume(prevRunID string) error {
	if r.sched == nil {
		if err := r.buildComponents(); err != nil {
			return err
		}
	}
	if prevRunID == "" {
		last, err := r.journal.LastRunID(context.Background())
		if err != nil {
			return err
		}
		prevRunID = last
	}
	if prevRunID == "" {
		return nil
	}
	cells, err := r.journal.CompletedCells(context.Background(), prevRunID)
	if err != nil {
		return err
	}
	r.sched.Queue().SeedCompleted(cells)

	markers, err := r.journal.WaitProgress(context.Background(), prevRunID)
	if err != nil {
		return err
	}
	r.sched.SeedProgress(markers)
	r.log(LogLevelInfo, "resume previous_run=%s seeded=%d wait_markers=%d", prevRunID, len(cells), len(markers))
	return nil
}

func (r *Runner) journalPath() string {
	p := r.config.Journal.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.baseDir, p)
	}
	return p
}

func buildStore(cfg model.SpreadsheetConfig) (sheetstore.Store, error) {
	if cfg.URL != "" {
		id, gid, err := sheetstore.ParseSpreadsheetURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		return sheetstore.NewGoogleStore(id, cfg.Sheet, gid, cfg.APIKey, cfg.Token), nil
	}
	if cfg.Workbook != "" {
		return sheetstore.NewWorkbookStore(cfg.Workbook, cfg.Sheet)
	}
	return nil, fmt.Errorf("spreadsheet config needs a url or a workbook path")
}

func (r *Runner) spreadsheetRef() string {
	if r.config.Spreadsheet.URL != "" {
		return r.config.Spreadsheet.URL
	}
	return r.config.Spreadsheet.Workbook
}

// startWatcher rescans when the local workbook changes. Google-backed runs
// rely on the ticker alone.
func (r *Runner) startWatcher() {
	wb, ok := r.store.(*sheetstore.WorkbookStore)
	if !ok {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log(LogLevelWarn, "fsnotify unavailable error=%v", err)
		return
	}
	if err := watcher.Add(filepath.Dir(wb.Path())); err != nil {
		r.log(LogLevelWarn, "watch %s error=%v", wb.Path(), err)
		watcher.Close()
		return
	}
	r.watcher = watcher

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != wb.Path() {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					r.log(LogLevelDebug, "workbook changed, rescanning")
					r.triggerRescan()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log(LogLevelError, "fsnotify error=%v", err)
			}
		}
	}()
}

func (r *Runner) tickerLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.ticker.C:
			r.log(LogLevelDebug, "periodic rescan")
			r.triggerRescan()
		}
	}
}

func (r *Runner) triggerRescan() {
	if accepted, _, err := r.sched.Rescan(r.ctx); err != nil {
		r.log(LogLevelWarn, "rescan error=%v", err)
	} else if accepted > 0 {
		r.log(LogLevelInfo, "rescan accepted=%d", accepted)
	}
}

func (r *Runner) registerHandlers() {
	r.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	r.server.Handle("scan", func(req *uds.Request) *uds.Response {
		r.triggerRescan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	r.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"run_id":    r.journal.RunID(),
			"pending":   r.sched.Queue().Len(),
			"completed": r.sched.Queue().CompletedCount(),
			"windows":   r.pool.InUse(),
		})
	})

	r.server.Handle("stop", func(req *uds.Request) *uds.Response {
		r.log(LogLevelInfo, "stop requested via control socket")
		go r.cancel()
		return uds.SuccessResponse(map[string]string{"status": "stopping"})
	})
}

// writeState persists the run-state snapshot atomically.
func (r *Runner) writeState(status string) {
	state := RunState{
		RunID:       r.journal.RunID(),
		Spreadsheet: r.spreadsheetRef(),
		Status:      status,
		Completed:   int(r.completed.Load()),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := yamlio.AtomicWrite(filepath.Join(r.baseDir, "state.yaml"), state); err != nil {
		r.log(LogLevelWarn, "write state error=%v", err)
	}
}

// waitSignals cancels the run on the first signal; a second forces exit.
func (r *Runner) waitSignals(done <-chan struct{}) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-done:
		return
	case sig := <-sigCh:
		r.log(LogLevelInfo, "received signal=%s, stopping gracefully", sig)
		r.cancel()
	}

	go func() {
		<-sigCh
		r.log(LogLevelWarn, "received second signal, forcing exit")
		r.forceExit.Store(true)
		os.Exit(1)
	}()
}

// Shutdown stops background loops and releases resources (idempotent).
func (r *Runner) Shutdown() {
	r.shutdown.Do(func() {
		r.cancel()
		r.ticker.Stop()
		if r.watcher != nil {
			r.watcher.Close()
		}
		if r.server != nil {
			r.server.Stop()
		}

		timeout := r.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		drained := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(time.Duration(timeout) * time.Second):
			r.log(LogLevelWarn, "shutdown timeout after %ds", timeout)
		}

		if r.pool != nil {
			r.pool.Close()
		}
		if r.bus != nil {
			r.bus.Close()
		}
		if r.journal != nil {
			r.journal.Close()
		}
		r.cleanup()
		r.log(LogLevelInfo, "run stopped")
	})
}

func (r *Runner) cleanup() {
	os.Remove(filepath.Join(r.baseDir, uds.DefaultSocketName))
	r.fileLock.Unlock()
	if r.logFile != nil {
		r.logFile.Close()
	}
}

func (r *Runner) log(level LogLevel, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s run: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
