// Package main provides the autoai CLI: spreadsheet-driven AI chat
// automation runs plus the control commands for an active run.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/yamakatsunamamugi/autoai/internal/model"
	"github.com/yamakatsunamamugi/autoai/internal/run"
	"github.com/yamakatsunamamugi/autoai/internal/setup"
	"github.com/yamakatsunamamugi/autoai/internal/uds"
)

var version = "dev"

var (
	baseDir     string
	resumeRunID string
	resumeLast  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoai",
		Short: "Drive AI chat services from a spreadsheet",
		Long: `autoai reads prompts and control directives from a spreadsheet,
fans the work across browser windows running AI chat services, and writes
the answers back into the sheet.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", ".autoai", "state directory (config, journal, logs, socket)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process the configured spreadsheet until every answer is written",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&resumeRunID, "resume", "", "seed completed cells from a previous run ID")
	runCmd.Flags().BoolVar(&resumeLast, "resume-last", false, "seed completed cells from the most recent run")

	rootCmd.AddCommand(
		runCmd,
		&cobra.Command{
			Use:   "init [spreadsheet]",
			Short: "Scaffold the state directory with a config and example profiles",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runInit,
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Ask the active run to rescan the sheet now",
			RunE:  controlCommand("scan"),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the active run's progress",
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the active run gracefully",
			RunE:  controlCommand("stop"),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("autoai %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(baseDir)
	if err != nil {
		return err
	}

	runner, err := run.New(baseDir, cfg)
	if err != nil {
		return err
	}
	if resumeRunID != "" || resumeLast {
		if err := runner.Resume(resumeRunID); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}

	completed, err := runner.Run()
	if err != nil {
		return err
	}
	fmt.Printf("run finished: %d cells answered\n", completed)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	spreadsheet := ""
	if len(args) == 1 {
		spreadsheet = args[0]
	}
	if err := setup.Init(baseDir, spreadsheet); err != nil {
		return err
	}
	fmt.Printf("initialized %s\n", baseDir)
	fmt.Println("edit config.yaml and the profiles/*.toml selectors, then: autoai run")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
	resp, err := client.Call("status", nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("status: %s", resp.Error.Message)
	}

	var status struct {
		RunID     string `json:"run_id"`
		Pending   int    `json:"pending"`
		Completed int    `json:"completed"`
		Windows   int    `json:"windows"`
	}
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return fmt.Errorf("parse status: %w", err)
	}
	fmt.Printf("run:       %s\n", status.RunID)
	fmt.Printf("pending:   %d\n", status.Pending)
	fmt.Printf("completed: %d\n", status.Completed)
	fmt.Printf("windows:   %d in use\n", status.Windows)
	return nil
}

// controlCommand sends a bare command to the active run's control socket.
func controlCommand(command string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
		resp, err := client.Call(command, nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s: %s", command, resp.Error.Message)
		}
		fmt.Printf("%s: ok\n", command)
		return nil
	}
}

func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w (run: autoai init)", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg.ApplyDefaults(), nil
}
