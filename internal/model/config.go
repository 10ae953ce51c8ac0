// Package model defines the data structures for autoai's configuration,
// sheet snapshots, column groups, and tasks.
package model

type Config struct {
	Spreadsheet SpreadsheetConfig `yaml:"spreadsheet"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Windows     WindowsConfig     `yaml:"windows"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Store       StoreConfig       `yaml:"store"`
	Automation  AutomationConfig  `yaml:"automation"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
	Journal     JournalConfig     `yaml:"journal"`
}

type SpreadsheetConfig struct {
	URL      string `yaml:"url"`      // Google Sheets URL; takes precedence when set
	Workbook string `yaml:"workbook"` // local .xlsx path, used when URL is empty
	Sheet    string `yaml:"sheet"`    // sheet name for workbook stores
	APIKey   string `yaml:"api_key"`
	Token    string `yaml:"token"`
}

type SchedulerConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	MaxIterations   int    `yaml:"max_iterations"`
	GroupAttemptCap int    `yaml:"group_attempt_cap"`
	WorkRowStart    int    `yaml:"work_row_start"` // 0-based row index where task scanning begins
	DefaultAI       string `yaml:"default_ai"`     // fallback when group shape detection fails
}

type WindowsConfig struct {
	Count       int      `yaml:"count"`
	Assignments []string `yaml:"assignments,omitempty"` // AI type per slot; empty → derived from groups
}

type ExecutorConfig struct {
	SubmitMaxAttempts        int `yaml:"submit_max_attempts"`
	SubmitConfirmSec         int `yaml:"submit_confirm_sec"`          // per-attempt window for the in-flight signal
	PollIntervalMs           int `yaml:"poll_interval_ms"`            // indicator poll cadence
	NormalTimeoutSec         int `yaml:"normal_timeout_sec"`          // normal mode completion ceiling
	SpecialAppearWaitSec     int `yaml:"special_appear_wait_sec"`     // special mode: wait for indicator to appear
	SpecialDebounceSec       int `yaml:"special_debounce_sec"`        // continuous absence required for completion
	SpecialTimeoutSec        int `yaml:"special_timeout_sec"`         // special mode overall ceiling
	SpecialRepromptWindowSec int `yaml:"special_reprompt_window_sec"` // early-vanish window that triggers one re-prompt
}

type StoreConfig struct {
	CellCharLimit int `yaml:"cell_char_limit"` // values beyond this are split across consecutive cells
}

type AutomationConfig struct {
	ProfileDir string `yaml:"profile_dir"`
	Headless   bool   `yaml:"headless"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type JournalConfig struct {
	Path string `yaml:"path"`
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c Config) ApplyDefaults() Config {
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 3
	}
	if c.Scheduler.MaxIterations <= 0 {
		c.Scheduler.MaxIterations = 10
	}
	if c.Scheduler.GroupAttemptCap <= 0 {
		c.Scheduler.GroupAttemptCap = 2
	}
	if c.Scheduler.WorkRowStart <= 0 {
		c.Scheduler.WorkRowStart = 8
	}
	if c.Scheduler.DefaultAI == "" {
		c.Scheduler.DefaultAI = "chatgpt"
	}
	if c.Windows.Count <= 0 {
		c.Windows.Count = 4
	}
	if c.Executor.SubmitMaxAttempts <= 0 {
		c.Executor.SubmitMaxAttempts = 5
	}
	if c.Executor.SubmitConfirmSec <= 0 {
		c.Executor.SubmitConfirmSec = 5
	}
	if c.Executor.PollIntervalMs <= 0 {
		c.Executor.PollIntervalMs = 1000
	}
	if c.Executor.NormalTimeoutSec <= 0 {
		c.Executor.NormalTimeoutSec = 300
	}
	if c.Executor.SpecialAppearWaitSec <= 0 {
		c.Executor.SpecialAppearWaitSec = 120
	}
	if c.Executor.SpecialDebounceSec <= 0 {
		c.Executor.SpecialDebounceSec = 10
	}
	if c.Executor.SpecialTimeoutSec <= 0 {
		c.Executor.SpecialTimeoutSec = 2400
	}
	if c.Executor.SpecialRepromptWindowSec <= 0 {
		c.Executor.SpecialRepromptWindowSec = 120
	}
	if c.Store.CellCharLimit <= 0 {
		c.Store.CellCharLimit = 50000
	}
	if c.Automation.ProfileDir == "" {
		c.Automation.ProfileDir = "profiles"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 30
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "journal.db"
	}
	return c
}
