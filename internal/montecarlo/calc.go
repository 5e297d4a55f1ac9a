// Package montecarlo drives single emc2 calculations: it prepares a working
// directory from a cluster expansion and a validated option set, invokes the
// external binary, and attaches its output files as result data.
package montecarlo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/SMTG-Bham/e2mc2/internal/archive"
	"github.com/SMTG-Bham/e2mc2/internal/cluster"
)

// DefaultBinary is the emc2 executable name, resolved via PATH.
const DefaultBinary = "emc2"

// OptionsFile is the input file recording the run configuration in the
// working directory. emc2 itself takes the options as flags; this file makes
// a completed directory self-describing.
const OptionsFile = "emc2_options.json"

// LogFile captures the process's standard output in the working directory.
const LogFile = "emc2.log"

// RequiredOutputs is the file set emc2 must produce for a run to count as
// completed. The names are a versioned contract with ATAT.
var RequiredOutputs = []string{"mc.out"}

// OptionalOutputs are attached as result data when present but their absence
// does not fail a run.
var OptionalOutputs = []string{"mcsnapshot.out"}

// Status tracks a calculation through its single-use lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// ExternalToolError reports an emc2 invocation that did not produce a
// completed run: a nonzero exit, or an exit without the expected outputs.
type ExternalToolError struct {
	ExitCode int
	Stderr   string
	Missing  []string
}

func (e *ExternalToolError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("emc2 exited %d without producing %s", e.ExitCode, strings.Join(e.Missing, ", "))
	}
	msg := fmt.Sprintf("emc2 exited %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// AlreadyRunError reports reuse of a single-use calculation.
type AlreadyRunError struct {
	Status Status
}

func (e *AlreadyRunError) Error() string {
	return fmt.Sprintf("calculation already ran (status %s); construct a new one to re-run", e.Status)
}

// IncompleteRunError reports a directory or archive that claims to hold a
// completed run but is missing part of the expected file set.
type IncompleteRunError struct {
	Source  string
	Missing []string
}

func (e *IncompleteRunError) Error() string {
	return fmt.Sprintf("%s is not a completed emc2 run: missing %s", e.Source, strings.Join(e.Missing, ", "))
}

// Calc is a single emc2 calculation over a shared cluster expansion. A Calc
// runs at most once; result data is only present once it has completed.
type Calc struct {
	// Binary overrides the emc2 executable. Empty means DefaultBinary.
	Binary string

	ce       *cluster.ClusterExpansion
	opts     Options
	workDir  string
	status   Status
	exitCode int
	results  archive.Record
}

// New validates opts against the recognized emc2 option set and returns a
// pending calculation referencing ce.
func New(ce *cluster.ClusterExpansion, opts Options) (*Calc, error) {
	normalized, err := ValidateOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Calc{ce: ce, opts: normalized, status: StatusPending}, nil
}

// Run prepares workDir, invokes emc2 inside it and blocks until the process
// exits. On success the output files are attached as result data. ctx may
// cancel the external process; this layer sets no timeout of its own.
func (c *Calc) Run(ctx context.Context, workDir string) error {
	if c.status != StatusPending {
		return &AlreadyRunError{Status: c.status}
	}
	c.status = StatusRunning
	c.workDir = workDir

	if err := c.writeInputs(workDir); err != nil {
		c.status = StatusFailed
		return err
	}

	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := c.opts.Args()
	slog.Debug("invoking emc2", "binary", binary, "args", args, "workdir", workDir)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// emc2 logs its progress on stdout; keep it with the run regardless of
	// the outcome.
	os.WriteFile(filepath.Join(workDir, LogFile), stdout.Bytes(), 0644)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	c.exitCode = exitCode

	if err != nil {
		c.status = StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExternalToolError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("failed to invoke %s: %w", binary, err)
	}

	results, missing := readOutputs(workDir)
	if len(missing) > 0 {
		c.status = StatusFailed
		return &ExternalToolError{ExitCode: exitCode, Stderr: stderr.String(), Missing: missing}
	}

	c.results = results
	c.status = StatusComplete
	slog.Debug("emc2 finished", "workdir", workDir, "outputs", results.Names())
	return nil
}

func (c *Calc) writeInputs(workDir string) error {
	if err := c.ce.WriteDir(workDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c.opts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, OptionsFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", OptionsFile, err)
	}
	return nil
}

func readOutputs(workDir string) (archive.Record, []string) {
	results := make(archive.Record)
	var missing []string

	for _, name := range RequiredOutputs {
		data, err := os.ReadFile(filepath.Join(workDir, name))
		if err != nil {
			missing = append(missing, name)
			continue
		}
		results[name] = data
	}
	for _, name := range OptionalOutputs {
		if data, err := os.ReadFile(filepath.Join(workDir, name)); err == nil {
			results[name] = data
		}
	}
	if data, err := os.ReadFile(filepath.Join(workDir, LogFile)); err == nil {
		results[LogFile] = data
	}

	return results, missing
}

// FromDirectory reconstructs a completed calculation from its working
// directory: the configuration from the options file, the parameterization
// from the maps files, the result data from the outputs.
func FromDirectory(dir string) (*Calc, error) {
	ce, err := cluster.Load(dir)
	if err != nil {
		return nil, err
	}

	optsData, err := os.ReadFile(filepath.Join(dir, OptionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &IncompleteRunError{Source: dir, Missing: []string{OptionsFile}}
		}
		return nil, fmt.Errorf("failed to read %s: %w", OptionsFile, err)
	}
	opts, err := decodeOptions(optsData)
	if err != nil {
		return nil, err
	}

	results, missing := readOutputs(dir)
	if len(missing) > 0 {
		return nil, &IncompleteRunError{Source: dir, Missing: missing}
	}

	return &Calc{
		ce:      ce,
		opts:    opts,
		workDir: dir,
		status:  StatusComplete,
		results: results,
	}, nil
}

// ToArchive captures the full file set of the calculation: parameterization,
// configuration, and any result data.
func (c *Calc) ToArchive() (archive.Record, error) {
	rec := c.ce.ToArchive()

	data, err := json.MarshalIndent(c.opts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	rec[OptionsFile] = data

	for name, contents := range c.results {
		rec[name] = append([]byte(nil), contents...)
	}
	return rec, nil
}

// FromArchive restores a completed calculation from an archive record
// produced by ToArchive.
func FromArchive(rec archive.Record) (*Calc, error) {
	ce, err := cluster.FromArchive(rec)
	if err != nil {
		return nil, err
	}

	optsData, ok := rec[OptionsFile]
	if !ok {
		return nil, &IncompleteRunError{Source: "archive", Missing: []string{OptionsFile}}
	}
	opts, err := decodeOptions(optsData)
	if err != nil {
		return nil, err
	}

	results := make(archive.Record)
	var missing []string
	for _, name := range RequiredOutputs {
		data, ok := rec[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		results[name] = append([]byte(nil), data...)
	}
	if len(missing) > 0 {
		return nil, &IncompleteRunError{Source: "archive", Missing: missing}
	}
	for _, name := range append(OptionalOutputs, LogFile) {
		if data, ok := rec[name]; ok {
			results[name] = append([]byte(nil), data...)
		}
	}

	return &Calc{
		ce:      ce,
		opts:    opts,
		status:  StatusComplete,
		results: results,
	}, nil
}

func decodeOptions(data []byte) (Options, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", OptionsFile, err)
	}
	return ValidateOptions(raw)
}

// Status reports where the calculation is in its lifecycle.
func (c *Calc) Status() Status { return c.status }

// ExitCode is the external process's exit code. Only meaningful after Run.
func (c *Calc) ExitCode() int { return c.exitCode }

// WorkDir is the directory the calculation ran in, or was loaded from.
func (c *Calc) WorkDir() string { return c.workDir }

// Expansion returns the shared cluster expansion this calculation uses.
func (c *Calc) Expansion() *cluster.ClusterExpansion { return c.ce }

// Options returns a copy of the validated configuration.
func (c *Calc) Options() Options {
	opts := make(Options, len(c.opts))
	for k, v := range c.opts {
		opts[k] = v
	}
	return opts
}

// Result returns one named output file. Absent until the run completes.
func (c *Calc) Result(name string) ([]byte, bool) {
	data, ok := c.results[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Results returns a copy of all attached result data.
func (c *Calc) Results() archive.Record {
	rec := make(archive.Record, len(c.results))
	for name, data := range c.results {
		rec[name] = append([]byte(nil), data...)
	}
	return rec
}
