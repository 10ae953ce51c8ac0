// Package scheduler owns the run loop: it scans the sheet for outstanding
// work, dispatches tasks in small batches across the window pool, records
// results back to the sheet, and rescans until nothing remains.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
	"github.com/yamakatsunamamugi/autoai/internal/control"
	"github.com/yamakatsunamamugi/autoai/internal/events"
	"github.com/yamakatsunamamugi/autoai/internal/executor"
	"github.com/yamakatsunamamugi/autoai/internal/grouping"
	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/sheetstore"
	"github.com/yamakatsunamamugi/autoai/internal/windows"
)

// Recorder persists terminal task results. The journal implements it; tests
// substitute their own.
type Recorder interface {
	Record(ctx context.Context, result model.TaskResult) error
}

// Scheduler coordinates one run over one sheet.
type Scheduler struct {
	store    sheetstore.Store
	pool     *windows.Manager
	exec     *executor.Executor
	queue    *Queue
	bus      *events.Bus
	recorder Recorder
	logger   *log.Logger

	cfg       model.SchedulerConfig
	cellLimit int

	groupsMu sync.Mutex
	groups   map[int]model.ColumnGroup // last scan's groups, for log-column writes

	// resume holds wait markers from a previous run, keyed by cell. Each is
	// consumed by the first dispatch of its cell.
	resumeMu sync.Mutex
	resume   map[string]executor.Progress

	// statuses tracks each cell's lifecycle (pending → in_progress →
	// terminal); transitions are validated so a double finish surfaces in
	// the log instead of corrupting state.
	statusMu sync.Mutex
	statuses map[string]model.Status

	// rescan deduplicates concurrent scan triggers (ticker, file watcher,
	// control socket) into one sheet read.
	rescan singleflight.Group
}

type Params struct {
	Store     sheetstore.Store
	Pool      *windows.Manager
	Executor  *executor.Executor
	Bus       *events.Bus
	Recorder  Recorder // optional
	Config    model.SchedulerConfig
	CellLimit int
	LogWriter io.Writer
}

func New(p Params) *Scheduler {
	w := p.LogWriter
	if w == nil {
		w = io.Discard
	}
	return &Scheduler{
		store:     p.Store,
		pool:      p.Pool,
		exec:      p.Executor,
		queue:     NewQueue(),
		bus:       p.Bus,
		recorder:  p.Recorder,
		logger:    log.New(w, "", 0),
		cfg:       p.Config,
		cellLimit: p.CellLimit,
		resume:    make(map[string]executor.Progress),
		statuses:  make(map[string]model.Status),
	}
}

// Queue exposes the run's queue for seeding and inspection.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// SeedProgress loads wait markers left by a previous run. Call before
// ProcessAll.
func (s *Scheduler) SeedProgress(markers map[string]executor.Progress) {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	for cell, p := range markers {
		s.resume[cell] = p
	}
}

func (s *Scheduler) takeResume(cellKey string) executor.Progress {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	p, ok := s.resume[cellKey]
	if ok {
		delete(s.resume, cellKey)
	}
	return p
}

// CellStatus returns a cell's lifecycle status, defaulting to pending.
func (s *Scheduler) CellStatus(cellKey string) model.Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st, ok := s.statuses[cellKey]; ok {
		return st
	}
	return model.StatusPending
}

// advance moves a cell through its lifecycle, rejecting invalid transitions.
func (s *Scheduler) advance(cellKey string, to model.Status) {
	s.statusMu.Lock()
	from, ok := s.statuses[cellKey]
	if !ok {
		from = model.StatusPending
	}
	if err := model.ValidateTaskTransition(from, to); err != nil {
		s.statusMu.Unlock()
		s.log("status_transition_rejected cell=%s error=%v", cellKey, err)
		return
	}
	s.statuses[cellKey] = to
	s.statusMu.Unlock()
}

// ProcessAll interleaves scans and batches: after every batch the sheet is
// re-read, so write-backs and outside edits surface between batches. The run
// ends when a scan finds nothing pending, or when the batch count trips the
// iteration cap. Returns the number of successfully answered cells.
func (s *Scheduler) ProcessAll(ctx context.Context) (int, error) {
	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return s.queue.CompletedCount(), err
		}

		accepted, scan, err := s.Rescan(ctx)
		if err != nil {
			return s.queue.CompletedCount(), err
		}
		s.log("scan_done iteration=%d accepted=%d prompts=%d answered=%d", iteration, accepted, scan.prompts, scan.answered)

		if s.queue.Len() == 0 {
			switch {
			case scan.prompts == 0:
				s.log("run_done reason=no_prompt_data")
			case scan.unwritten == 0:
				s.log("run_done reason=all_answered completed=%d", s.queue.CompletedCount())
			default:
				s.log("run_done reason=remaining_cells_retired unwritten=%d", scan.unwritten)
			}
			return s.queue.CompletedCount(), nil
		}

		if iteration > s.cfg.MaxIterations {
			s.log("iteration_cap_reached iterations=%d pending=%d", s.cfg.MaxIterations, s.queue.Len())
			s.publish(events.EventRunWarning, map[string]interface{}{
				"reason":     "iteration_cap",
				"iterations": s.cfg.MaxIterations,
			})
			return s.queue.CompletedCount(), nil
		}

		batch := s.queue.NextBatch(s.cfg.BatchSize)
		s.runBatch(ctx, batch)
	}
}

// Rescan re-reads the sheet, rebuilds groups under the current control
// directives, and enqueues outstanding tasks. Concurrent callers share one
// scan.
func (s *Scheduler) Rescan(ctx context.Context) (int, generation, error) {
	type scanOut struct {
		accepted int
		gen      generation
	}
	v, err, _ := s.rescan.Do("scan", func() (interface{}, error) {
		accepted, gen, err := s.scanOnce(ctx)
		return scanOut{accepted, gen}, err
	})
	if err != nil {
		return 0, generation{}, err
	}
	out := v.(scanOut)
	return out.accepted, out.gen, nil
}

func (s *Scheduler) scanOnce(ctx context.Context) (int, generation, error) {
	var total generation

	sheet, err := s.store.Read(ctx)
	if err != nil {
		return 0, total, fmt.Errorf("read sheet: %w", err)
	}

	ctrls := control.Collect(sheet)
	groups, err := grouping.Discover(sheet, grouping.Options{DefaultAI: model.AIType(s.cfg.DefaultAI)})
	if err != nil {
		return 0, total, fmt.Errorf("discover groups: %w", err)
	}
	groups = grouping.ApplyColumnControls(groups, ctrls.Column)

	s.groupsMu.Lock()
	s.groups = make(map[int]model.ColumnGroup, len(groups))
	for _, g := range groups {
		s.groups[g.Index] = g
	}
	s.groupsMu.Unlock()

	accepted := 0
	for _, g := range groups {
		if s.queue.GroupSkipped(g.Index) {
			continue
		}
		gen, err := buildGroupTasks(sheet, g, ctrls.Row, s.cfg.WorkRowStart)
		if err != nil {
			return accepted, total, fmt.Errorf("group %s: %w", g.PromptColumn, err)
		}
		total.prompts += gen.prompts
		total.answered += gen.answered
		total.unwritten += gen.unwritten

		// An attempt is charged only when the scan surfaces new work: no-op
		// scans (ticker, file watcher) while a batch is in flight must not
		// burn the group's cap.
		if len(gen.tasks) == 0 || s.queue.Acceptable(gen.tasks) == 0 {
			continue
		}
		if over := s.queue.RecordAttempt(g.Index, s.cfg.GroupAttemptCap); over {
			s.log("group_retired group=%d prompt_column=%s attempts=%d", g.Index, g.PromptColumn, s.cfg.GroupAttemptCap)
			s.publish(events.EventGroupSkipped, map[string]interface{}{
				"group":         g.Index,
				"prompt_column": g.PromptColumn,
			})
			for _, t := range gen.tasks {
				s.advance(t.Cell.Key(), model.StatusSkipped)
			}
			continue
		}
		if s.queue.GroupSkipped(g.Index) {
			continue
		}
		accepted += s.queue.Enqueue(gen.tasks)
	}
	return accepted, total, nil
}

// runBatch fans a batch across the window pool and waits for every task to
// reach a terminal result.
func (s *Scheduler) runBatch(ctx context.Context, batch []model.Task) {
	var wg sync.WaitGroup
	for _, task := range batch {
		wg.Add(1)
		go func(task model.Task) {
			defer wg.Done()
			s.runTask(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, task model.Task) {
	s.advance(task.Cell.Key(), model.StatusInProgress)

	slot, err := s.pool.Assign(ctx, task.AI)
	if err != nil {
		s.log("window_assign_failed id=%s ai=%s error=%v", task.ID, task.AI, err)
		s.finish(ctx, task, model.TaskResult{
			TaskID: task.ID, Cell: task.Cell,
			Err: fmt.Sprintf("assign window: %v", err),
		})
		return
	}
	defer s.pool.Release(slot)

	s.publish(events.EventTaskStarted, map[string]interface{}{
		"task_id": task.ID,
		"ai":      string(task.AI),
		"cell":    task.Cell.Key(),
	})

	result := s.exec.ExecuteFrom(ctx, slot.Automator(), task, s.takeResume(task.Cell.Key()))

	if result.Success {
		if err := s.writeBack(ctx, task, result.Response); err != nil {
			s.log("write_back_failed id=%s cell=%s error=%v", task.ID, task.Cell.Key(), err)
			result.Success = false
			result.Err = fmt.Sprintf("write back: %v", err)
		} else {
			s.groupsMu.Lock()
			g, ok := s.groups[task.GroupIndex]
			s.groupsMu.Unlock()
			if ok {
				s.WriteLog(ctx, g.LogColumn, task.Cell.Row, task)
			}
		}
	} else {
		// Fatal driver errors poison the window; recycle before the slot
		// goes back to the pool.
		if err := s.pool.Recycle(ctx, slot); err != nil {
			s.log("window_recycle_failed id=%s ai=%s error=%v", task.ID, task.AI, err)
		}
	}

	s.finish(ctx, task, result)
}

// writeBack writes the answer (chunked past the cell limit) and a line in the
// group's log column when tracking succeeds.
func (s *Scheduler) writeBack(ctx context.Context, task model.Task, response string) error {
	if err := sheetstore.WriteChunked(ctx, s.store, task.Cell.Column, task.Cell.Row, response, s.cellLimit); err != nil {
		return err
	}
	s.publish(events.EventCellWritten, map[string]interface{}{
		"cell":  task.Cell.Key(),
		"chars": len(response),
	})
	return nil
}

// WriteLog appends a completion note in a log column. Best-effort: a failed
// log write never fails the task.
func (s *Scheduler) WriteLog(ctx context.Context, logColumn string, row int, task model.Task) {
	if logColumn == "" {
		return
	}
	// Column A holds the work-row numbers; never log over it.
	idx, err := cell.ColumnToIndex(logColumn)
	if err != nil || idx == 0 {
		return
	}
	note := fmt.Sprintf("%s %s %s", time.Now().Format("2006-01-02 15:04:05"), task.AI, task.ID)
	if err := s.store.Write(ctx, cell.Key(logColumn, row), note); err != nil {
		s.log("log_write_failed cell=%s error=%v", cell.Key(logColumn, row), err)
	}
}

func (s *Scheduler) finish(ctx context.Context, task model.Task, result model.TaskResult) {
	terminal := model.StatusFailed
	if result.Success {
		terminal = model.StatusCompleted
	}
	s.advance(task.Cell.Key(), terminal)
	s.queue.MarkCompleted(task.Cell.Key(), result.Success)
	s.publish(events.EventTaskCompleted, map[string]interface{}{
		"task_id": task.ID,
		"cell":    task.Cell.Key(),
		"success": result.Success,
		"error":   result.Err,
	})
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, result); err != nil {
			s.log("journal_record_failed id=%s error=%v", task.ID, err)
		}
	}
	s.log("task_done id=%s cell=%s status=%s error=%s", task.ID, task.Cell.Key(), terminal, strings.ReplaceAll(result.Err, "\n", " "))
}

func (s *Scheduler) publish(t events.EventType, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func (s *Scheduler) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s INFO scheduler: %s", time.Now().Format(time.RFC3339), msg)
}
