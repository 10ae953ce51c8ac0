// Package executor drives one task through an automation adapter: model and
// feature selection, prompt submission with bounded retries, and
// response-completion detection.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/yamakatsunamamugi/autoai/internal/automation"
	"github.com/yamakatsunamamugi/autoai/internal/model"
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

// WaitState names one phase of the completion-detection state machine.
type WaitState string

const (
	StateSubmitting       WaitState = "submitting"
	StateAwaitingStart    WaitState = "awaiting-start"
	StateStreaming        WaitState = "streaming"
	StateAwaitingDebounce WaitState = "awaiting-completion-debounce"
	StateCompleted        WaitState = "completed"
)

// Progress is the resumable wait marker: persisted at poll boundaries so a
// restarted run does not re-wait from zero.
type Progress struct {
	State         WaitState `yaml:"state"`
	ElapsedTicks  int       `yaml:"elapsed_ticks"`
	DebounceTicks int       `yaml:"debounce_ticks"`
	Reprompted    bool      `yaml:"reprompted"`
}

// Timing holds the executor's wait budgets.
type Timing struct {
	SubmitMaxAttempts     int
	SubmitConfirm         time.Duration
	PollInterval          time.Duration
	NormalTimeout         time.Duration
	SpecialAppearWait     time.Duration
	SpecialDebounce       time.Duration
	SpecialTimeout        time.Duration
	SpecialRepromptWindow time.Duration
}

// TimingFromConfig converts the configured second/millisecond budgets.
func TimingFromConfig(cfg model.ExecutorConfig) Timing {
	return Timing{
		SubmitMaxAttempts:     cfg.SubmitMaxAttempts,
		SubmitConfirm:         time.Duration(cfg.SubmitConfirmSec) * time.Second,
		PollInterval:          time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		NormalTimeout:         time.Duration(cfg.NormalTimeoutSec) * time.Second,
		SpecialAppearWait:     time.Duration(cfg.SpecialAppearWaitSec) * time.Second,
		SpecialDebounce:       time.Duration(cfg.SpecialDebounceSec) * time.Second,
		SpecialTimeout:        time.Duration(cfg.SpecialTimeoutSec) * time.Second,
		SpecialRepromptWindow: time.Duration(cfg.SpecialRepromptWindowSec) * time.Second,
	}
}

// ProgressSink receives wait-progress updates for persistence, keyed by the
// task's target cell. Cell keys are stable across restarts, so a resumed run
// can find the marker its predecessor left behind.
type ProgressSink func(cell string, p Progress)

// Executor runs tasks against automation adapters. Adapter errors and panics
// are contained here; the scheduler only ever sees TaskResults.
type Executor struct {
	timing   Timing
	logger   *log.Logger
	logLevel LogLevel
	sink     ProgressSink
}

func New(timing Timing, w io.Writer, logLevel string) *Executor {
	return &Executor{
		timing:   timing,
		logger:   log.New(w, "", 0),
		logLevel: parseLogLevel(logLevel),
	}
}

// SetProgressSink wires wait-progress persistence. Must be called before
// Execute.
func (e *Executor) SetProgressSink(sink ProgressSink) {
	e.sink = sink
}

// Execute runs one task end to end and never panics or returns an error:
// every failure mode collapses into an unsuccessful TaskResult.
func (e *Executor) Execute(ctx context.Context, a automation.Automator, task model.Task) model.TaskResult {
	return e.ExecuteFrom(ctx, a, task, Progress{})
}

// ExecuteFrom runs one task starting from a saved wait marker. The prompt is
// always re-submitted (the window is fresh), but the completion wait picks up
// where the marker left off: a resumed special wait skips the appear phase
// and keeps its elapsed budget, debounce count, and one-shot re-prompt flag.
func (e *Executor) ExecuteFrom(ctx context.Context, a automation.Automator, task model.Task, start Progress) (result model.TaskResult) {
	result = model.TaskResult{TaskID: task.ID, Cell: task.Cell}

	defer func() {
		if r := recover(); r != nil {
			e.log(LogLevelError, "task_panic id=%s cell=%s panic=%v", task.ID, task.Cell.Key(), r)
			result.Success = false
			result.Err = fmt.Sprintf("adapter panic: %v", r)
		}
	}()

	e.log(LogLevelInfo, "task_start id=%s ai=%s cell=%s special=%v",
		task.ID, task.AI, task.Cell.Key(), task.SpecialFunction())

	if task.Model != "" {
		if err := a.SelectModel(ctx, task.Model); err != nil {
			return e.failure(task, result, "select model", err)
		}
	}
	if task.Function != "" {
		if err := a.SelectFunction(ctx, task.Function); err != nil {
			return e.failure(task, result, "select function", err)
		}
	}
	if err := a.InputText(ctx, task.Prompt); err != nil {
		return e.failure(task, result, "input prompt", err)
	}
	if err := e.submit(ctx, a, task); err != nil {
		return e.failure(task, result, "submit", err)
	}

	if _, err := e.WaitForCompletion(ctx, a, task, start); err != nil {
		return e.failure(task, result, "wait for completion", err)
	}

	text, err := a.GetResponse(ctx)
	if err != nil {
		return e.failure(task, result, "get response", err)
	}
	if text == "" {
		return e.failure(task, result, "get response", fmt.Errorf("empty response"))
	}

	e.log(LogLevelInfo, "task_success id=%s cell=%s chars=%d", task.ID, task.Cell.Key(), len(text))
	result.Success = true
	result.Response = text
	return result
}

// submit sends the prompt and confirms acceptance: each attempt waits up to
// the confirm window for the in-flight signal before retrying.
func (e *Executor) submit(ctx context.Context, a automation.Automator, task model.Task) error {
	attempts := e.timing.SubmitMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		e.report(task, Progress{State: StateSubmitting})

		if err := a.Send(ctx); err != nil {
			lastErr = err
			e.log(LogLevelWarn, "submit_failed id=%s attempt=%d error=%v", task.ID, attempt, err)
			continue
		}

		confirmed, err := e.awaitInFlight(ctx, a, e.timing.SubmitConfirm)
		if err != nil {
			return err
		}
		if confirmed {
			e.log(LogLevelDebug, "submit_confirmed id=%s attempt=%d", task.ID, attempt)
			return nil
		}
		lastErr = fmt.Errorf("no in-flight signal within %s", e.timing.SubmitConfirm)
		e.log(LogLevelWarn, "submit_unconfirmed id=%s attempt=%d", task.ID, attempt)
	}
	return fmt.Errorf("submission not acknowledged after %d attempts: %w", attempts, lastErr)
}

// awaitInFlight polls until the indicator appears or the budget runs out.
func (e *Executor) awaitInFlight(ctx context.Context, a automation.Automator, budget time.Duration) (bool, error) {
	deadline := time.Now().Add(budget)
	for {
		inFlight, err := a.InFlight(ctx)
		if err == nil && inFlight {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := sleepCtx(ctx, e.timing.PollInterval); err != nil {
			return false, err
		}
	}
}

// WaitForCompletion runs the completion-detection state machine from the
// given progress marker. Normal mode waits for the in-flight indicator to
// disappear. Special mode (deep research / agent) additionally requires the
// indicator to stay absent for a debounce window, with one automatic
// re-prompt if it vanishes suspiciously early.
func (e *Executor) WaitForCompletion(ctx context.Context, a automation.Automator, task model.Task, start Progress) (Progress, error) {
	if task.SpecialFunction() {
		return e.waitSpecial(ctx, a, task, start)
	}
	return e.waitNormal(ctx, a, task, start)
}

func (e *Executor) waitNormal(ctx context.Context, a automation.Automator, task model.Task, p Progress) (Progress, error) {
	p.State = StateStreaming
	maxTicks := ticks(e.timing.NormalTimeout, e.timing.PollInterval)

	for ; p.ElapsedTicks < maxTicks; p.ElapsedTicks++ {
		e.report(task, p)
		inFlight, err := a.InFlight(ctx)
		if err == nil && !inFlight {
			p.State = StateCompleted
			e.report(task, p)
			return p, nil
		}
		if err := sleepCtx(ctx, e.timing.PollInterval); err != nil {
			return p, err
		}
	}
	return p, fmt.Errorf("response not completed within %s", e.timing.NormalTimeout)
}

func (e *Executor) waitSpecial(ctx context.Context, a automation.Automator, task model.Task, p Progress) (Progress, error) {
	interval := e.timing.PollInterval
	debounceTicks := ticks(e.timing.SpecialDebounce, interval)
	maxTicks := ticks(e.timing.SpecialTimeout, interval)
	repromptTicks := 0
	if interval > 0 {
		repromptTicks = int(e.timing.SpecialRepromptWindow / interval)
	}

	// Phase 1: the indicator must appear at all before absence means done.
	if p.State == "" || p.State == StateAwaitingStart {
		p.State = StateAwaitingStart
		appearTicks := ticks(e.timing.SpecialAppearWait, interval)
		started := false
		for i := 0; i < appearTicks; i++ {
			e.report(task, p)
			inFlight, err := a.InFlight(ctx)
			if err == nil && inFlight {
				started = true
				break
			}
			if err := sleepCtx(ctx, interval); err != nil {
				return p, err
			}
		}
		if !started {
			return p, fmt.Errorf("in-flight indicator never appeared within %s", e.timing.SpecialAppearWait)
		}
		p.State = StateStreaming
	}

	// Phase 2: completion = continuous absence for the debounce window.
	for ; p.ElapsedTicks < maxTicks; p.ElapsedTicks++ {
		e.report(task, p)
		inFlight, err := a.InFlight(ctx)
		switch {
		case err != nil:
			// Probe failures are not absences; keep waiting.
			p.DebounceTicks = 0
		case inFlight:
			p.State = StateStreaming
			p.DebounceTicks = 0
		default:
			// Indicator vanished very early: one automatic re-prompt, then
			// the debounce is awaited again.
			if !p.Reprompted && p.ElapsedTicks < repromptTicks {
				p.Reprompted = true
				p.DebounceTicks = 0
				e.log(LogLevelWarn, "early_finish_reprompt id=%s elapsed_ticks=%d", task.ID, p.ElapsedTicks)
				if err := e.reprompt(ctx, a, task); err != nil {
					return p, fmt.Errorf("re-prompt: %w", err)
				}
				p.State = StateStreaming
				break
			}
			p.State = StateAwaitingDebounce
			p.DebounceTicks++
			if p.DebounceTicks >= debounceTicks {
				p.State = StateCompleted
				e.report(task, p)
				return p, nil
			}
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return p, err
		}
	}
	return p, fmt.Errorf("special mode response not completed within %s", e.timing.SpecialTimeout)
}

func (e *Executor) reprompt(ctx context.Context, a automation.Automator, task model.Task) error {
	if err := a.InputText(ctx, task.Prompt); err != nil {
		return err
	}
	if err := a.Send(ctx); err != nil {
		return err
	}
	_, err := e.awaitInFlight(ctx, a, e.timing.SubmitConfirm)
	return err
}

func (e *Executor) failure(task model.Task, result model.TaskResult, stage string, err error) model.TaskResult {
	e.log(LogLevelError, "task_failed id=%s cell=%s stage=%s error=%v", task.ID, task.Cell.Key(), stage, err)
	result.Success = false
	result.Err = fmt.Sprintf("%s: %v", stage, err)
	return result
}

func (e *Executor) report(task model.Task, p Progress) {
	if e.sink != nil {
		e.sink(task.Cell.Key(), p)
	}
}

func ticks(budget, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Second
	}
	n := int(budget / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
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
	e.logger.Printf("%s %s executor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
