package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/SMTG-Bham/e2mc2/internal/archive"
	"github.com/SMTG-Bham/e2mc2/internal/cluster"
	"github.com/SMTG-Bham/e2mc2/internal/config"
	"github.com/SMTG-Bham/e2mc2/internal/models"
	"github.com/SMTG-Bham/e2mc2/internal/montecarlo"
	"github.com/SMTG-Bham/e2mc2/internal/preset"
	"github.com/SMTG-Bham/e2mc2/internal/storage"
	"github.com/SMTG-Bham/e2mc2/internal/sweep"
	"github.com/SMTG-Bham/e2mc2/internal/tui"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "e2mc2",
		Short: "Wrapper for ATAT emc2 cluster-expansion Monte Carlo",
		Long:  "e2mc2 manages emc2 working directories, runs the binary, and archives completed calculations.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: runTUI,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newPackCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newPresetsCommand())
	rootCmd.AddCommand(newOptionsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStorage() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	_, store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	app := tui.NewApp(store)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// buildOptions merges a named preset (if any) with key=value overrides.
func buildOptions(cfg *config.Config, presetName string, sets []string) (montecarlo.Options, error) {
	opts := make(montecarlo.Options)

	if presetName != "" {
		presets, err := preset.LoadAll(cfg.PresetDirs())
		if err != nil {
			return nil, err
		}
		p, ok := presets[presetName]
		if !ok {
			return nil, fmt.Errorf("preset %q not found", presetName)
		}
		if err := preset.Validate(p); err != nil {
			return nil, err
		}
		for name, value := range p.Options {
			opts[name] = value
		}
	}

	for _, expr := range sets {
		name, value, err := montecarlo.ParseAssignment(expr)
		if err != nil {
			return nil, err
		}
		opts[name] = value
	}

	return opts, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <ce-dir>",
		Short: "Run an emc2 calculation from a maps output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ceDir := args[0]
			presetName, _ := cmd.Flags().GetString("preset")
			sets, _ := cmd.Flags().GetStringArray("set")
			workDir, _ := cmd.Flags().GetString("workdir")
			label, _ := cmd.Flags().GetString("label")
			archivePath, _ := cmd.Flags().GetString("archive")
			binary, _ := cmd.Flags().GetString("bin")

			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			ce, err := cluster.Load(ceDir)
			if err != nil {
				return err
			}

			opts, err := buildOptions(cfg, presetName, sets)
			if err != nil {
				return err
			}

			// Validates the configuration before anything touches the
			// filesystem.
			calc, err := montecarlo.New(ce, opts)
			if err != nil {
				return err
			}
			if binary == "" {
				binary = cfg.EMC2Binary
			}
			calc.Binary = binary

			run := &models.Run{
				Label:      label,
				Kind:       models.RunKindSingle,
				PresetName: presetName,
				CEDir:      ceDir,
				Status:     models.RunStatusPending,
				Options:    calc.Options(),
			}
			runID, err := store.CreateRun(run)
			if err != nil {
				return fmt.Errorf("failed to record run: %w", err)
			}
			run.ID = runID

			if workDir == "" {
				workDir = filepath.Join(cfg.WorkspacesDir(), fmt.Sprintf("run-%d", runID))
			}
			run.WorkDir = workDir
			run.Status = models.RunStatusRunning
			if err := store.UpdateRun(run); err != nil {
				return err
			}

			fmt.Printf("Created run #%d\n", runID)
			fmt.Printf("Workdir: %s\n", workDir)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			runErr := calc.Run(ctx, workDir)
			finishRun(store, run, calc, runErr)

			if runErr != nil {
				return runErr
			}

			fmt.Printf("emc2 finished (exit %d), outputs: %v\n", calc.ExitCode(), calc.Results().Names())

			if archivePath != "" {
				if err := archiveCalc(calc, archivePath); err != nil {
					return err
				}
				run.ArchivePath = archivePath
				if err := store.UpdateRun(run); err != nil {
					return err
				}
				fmt.Printf("Archived to %s\n", archivePath)
			}

			return nil
		},
	}

	cmd.Flags().StringP("preset", "p", "", "Named option preset to start from")
	cmd.Flags().StringArrayP("set", "O", nil, "Set an emc2 option (key=value, repeatable)")
	cmd.Flags().StringP("workdir", "w", "", "Working directory (default: managed workspace)")
	cmd.Flags().StringP("label", "l", "", "Label for this run")
	cmd.Flags().String("archive", "", "Archive the completed run to this file")
	cmd.Flags().String("bin", "", "emc2 binary to invoke (default: $E2MC2_BIN or emc2)")
	return cmd
}

func finishRun(store *storage.Storage, run *models.Run, calc *montecarlo.Calc, runErr error) {
	now := time.Now()
	run.CompletedAt = &now
	exitCode := calc.ExitCode()
	run.ExitCode = &exitCode
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = models.RunStatusComplete
	}
	if err := store.UpdateRun(run); err != nil {
		slog.Warn("failed to update run record", "run", run.ID, "error", err)
	}
}

func archiveCalc(calc *montecarlo.Calc, path string) error {
	rec, err := calc.ToArchive()
	if err != nil {
		return err
	}
	data, err := archive.Serialize(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep <ce-dir> <script.lua>",
		Short: "Run a Lua-scripted sequence of emc2 calculations",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ceDir := args[0]
			scriptPath := args[1]
			workDir, _ := cmd.Flags().GetString("workdir")
			label, _ := cmd.Flags().GetString("label")
			binary, _ := cmd.Flags().GetString("bin")

			if !sweep.IsSweepScript(scriptPath) {
				return fmt.Errorf("not a Lua sweep script: %s", scriptPath)
			}

			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			ce, err := cluster.Load(ceDir)
			if err != nil {
				return err
			}
			if binary == "" {
				binary = cfg.EMC2Binary
			}

			run := &models.Run{
				Label:  label,
				Kind:   models.RunKindSweep,
				CEDir:  ceDir,
				Status: models.RunStatusPending,
			}
			runID, err := store.CreateRun(run)
			if err != nil {
				return fmt.Errorf("failed to record run: %w", err)
			}
			run.ID = runID

			if workDir == "" {
				workDir = filepath.Join(cfg.WorkspacesDir(), fmt.Sprintf("run-%d", runID))
			}
			run.WorkDir = workDir
			run.Status = models.RunStatusRunning
			if err := store.UpdateRun(run); err != nil {
				return err
			}

			fmt.Printf("Created sweep #%d\n", runID)
			fmt.Printf("Workdir: %s\n", workDir)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			rt := sweep.NewRuntime(store, run, ce, binary, workDir)
			if err := rt.Execute(ctx, scriptPath); err != nil {
				return err
			}

			for _, line := range rt.Logs() {
				fmt.Println(line)
			}
			fmt.Printf("Sweep completed with status: %s\n", run.Status)
			return nil
		},
	}

	cmd.Flags().StringP("workdir", "w", "", "Sweep workspace (default: managed workspace)")
	cmd.Flags().StringP("label", "l", "", "Label for this sweep")
	cmd.Flags().String("bin", "", "emc2 binary to invoke (default: $E2MC2_BIN or emc2)")
	return cmd
}

func newPackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <run-dir>",
		Short: "Archive a completed run directory to a portable bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")

			// Validates the directory is a completed run before packing.
			calc, err := montecarlo.FromDirectory(args[0])
			if err != nil {
				return err
			}

			if err := archiveCalc(calc, out); err != nil {
				return err
			}
			fmt.Printf("Archived %s to %s\n", args[0], out)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Output archive file")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive> <dir>",
		Short: "Unpack a run archive into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read archive: %w", err)
			}

			rec, err := archive.Deserialize(data)
			if err != nil {
				return err
			}
			if err := archive.Unpack(rec, args[1], force); err != nil {
				return err
			}

			fmt.Printf("Restored %d files into %s\n", len(rec), args[1])
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Overwrite existing files")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs yet.")
				return nil
			}
			for _, run := range runs {
				label := run.Label
				if label == "" {
					label = string(run.Kind)
				}
				fmt.Printf("#%-4d %-10s %-20s %s\n", run.ID, run.Status, label, run.WorkDir)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(id)
			if err != nil {
				return fmt.Errorf("run %d not found: %w", id, err)
			}

			fmt.Printf("Run #%d (%s)\n", run.ID, run.Kind)
			fmt.Printf("Status:   %s\n", run.Status)
			fmt.Printf("Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Printf("Finished: %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			fmt.Printf("Workdir:  %s\n", run.WorkDir)
			if run.PresetName != "" {
				fmt.Printf("Preset:   %s\n", run.PresetName)
			}
			if run.ExitCode != nil {
				fmt.Printf("Exit:     %d\n", *run.ExitCode)
			}
			if run.ArchivePath != "" {
				fmt.Printf("Archive:  %s\n", run.ArchivePath)
			}
			if run.Error != "" {
				fmt.Printf("Error:    %s\n", run.Error)
			}
			for name, value := range run.Options {
				fmt.Printf("  -%s=%v\n", name, value)
			}

			steps, err := store.GetStepsForRun(id)
			if err != nil {
				return err
			}
			for _, step := range steps {
				exit := "-"
				if step.ExitCode != nil {
					exit = strconv.Itoa(*step.ExitCode)
				}
				fmt.Printf("step %d: %s (exit %s) %s\n", step.SequenceNum, step.Status, exit, step.WorkDir)
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			purge, _ := cmd.Flags().GetBool("purge")

			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(id)
			if err != nil {
				return fmt.Errorf("run %d not found: %w", id, err)
			}

			if purge && run.WorkDir != "" {
				if err := os.RemoveAll(run.WorkDir); err != nil {
					return fmt.Errorf("failed to remove workdir: %w", err)
				}
			}

			if err := store.DeleteRun(id); err != nil {
				return err
			}
			fmt.Printf("Deleted run #%d\n", id)
			return nil
		},
	}

	cmd.Flags().Bool("purge", false, "Also remove the working directory")
	return cmd
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available option presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			presets, err := preset.LoadAll(cfg.PresetDirs())
			if err != nil {
				return err
			}
			if len(presets) == 0 {
				fmt.Println("No presets found.")
				return nil
			}
			for name, p := range presets {
				note := ""
				if err := preset.Validate(p); err != nil {
					note = fmt.Sprintf("  (invalid: %v)", err)
				}
				fmt.Printf("%-20s %s%s\n", name, p.Description, note)
			}
			return nil
		},
	}
}

func newOptionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "List the recognized emc2 options",
		Run: func(cmd *cobra.Command, args []string) {
			for _, line := range montecarlo.OptionHelp() {
				fmt.Println(line)
			}
		},
	}
}
