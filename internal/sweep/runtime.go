// Package sweep executes Lua-scripted sequences of emc2 calculations, for
// scans whose later steps depend on earlier results.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/SMTG-Bham/e2mc2/internal/cluster"
	"github.com/SMTG-Bham/e2mc2/internal/models"
	"github.com/SMTG-Bham/e2mc2/internal/montecarlo"
	"github.com/SMTG-Bham/e2mc2/internal/storage"
)

// Runtime executes a Lua sweep script in a sandboxed environment. Each
// run() call in the script performs one calculation in a numbered
// subdirectory of the sweep workspace and records a step row.
type Runtime struct {
	storage   *storage.Storage
	run       *models.Run
	ce        *cluster.ClusterExpansion
	binary    string
	workDir   string
	callIndex int
	logs      []string

	// failReason is set when fail() is called
	failReason string
	isFailed   bool

	ctx context.Context
}

// NewRuntime creates a runtime for one sweep run. workDir is the sweep's
// workspace; step directories are created beneath it.
func NewRuntime(store *storage.Storage, run *models.Run, ce *cluster.ClusterExpansion, binary, workDir string) *Runtime {
	return &Runtime{
		storage: store,
		run:     run,
		ce:      ce,
		binary:  binary,
		workDir: workDir,
		logs:    make([]string, 0),
	}
}

// Execute runs the Lua sweep script. The script must define a 'sweep'
// function, which is called with no arguments.
func (r *Runtime) Execute(ctx context.Context, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	r.ctx = ctx

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return r.markFailed(fmt.Sprintf("failed to load script: %v", err))
	}

	sweepFn := L.GetGlobal("sweep")
	if sweepFn == lua.LNil {
		return r.markFailed("script must define a 'sweep' function")
	}

	L.Push(sweepFn)
	if err := L.PCall(0, 0, nil); err != nil {
		if r.isFailed {
			return r.markFailed(r.failReason)
		}
		return r.markFailed(fmt.Sprintf("sweep execution failed: %v", err))
	}

	if r.isFailed {
		return r.markFailed(r.failReason)
	}

	return r.markComplete()
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove filesystem and code-loading base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// registerAPI registers the e2mc2-specific API functions
func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("run", L.NewFunction(r.luaRun))
	L.SetGlobal("fail", L.NewFunction(r.luaFail))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaRun implements the run(options) API. It returns a result table rather
// than raising on calculation failure, so scripts can react to failed steps.
func (r *Runtime) luaRun(L *lua.LState) int {
	optsTable := L.CheckTable(1)
	opts := tableToOptions(optsTable)

	r.callIndex++
	stepDir := filepath.Join(r.workDir, fmt.Sprintf("step-%03d", r.callIndex))

	step := &models.Step{
		RunID:       r.run.ID,
		SequenceNum: r.callIndex,
		WorkDir:     stepDir,
		Status:      models.StepStatusPending,
		Options:     opts,
	}
	stepID, err := r.storage.CreateStep(step)
	if err != nil {
		L.RaiseError("failed to record step: %v", err)
		return 0
	}
	step.ID = stepID

	result := r.runStep(step, opts, stepDir)
	L.Push(r.resultToTable(L, result))
	return 1
}

type stepResult struct {
	status   models.StepStatus
	exitCode int
	workDir  string
	err      string
	outputs  map[string][]byte
}

func (r *Runtime) runStep(step *models.Step, opts montecarlo.Options, stepDir string) stepResult {
	now := time.Now()
	step.StartedAt = &now
	step.Status = models.StepStatusRunning
	r.storage.UpdateStep(step)

	fail := func(msg string, exitCode int) stepResult {
		completedAt := time.Now()
		step.CompletedAt = &completedAt
		step.Status = models.StepStatusFailed
		step.ExitCode = &exitCode
		step.Error = msg
		r.storage.UpdateStep(step)
		return stepResult{status: models.StepStatusFailed, exitCode: exitCode, workDir: stepDir, err: msg}
	}

	calc, err := montecarlo.New(r.ce, opts)
	if err != nil {
		return fail(err.Error(), 0)
	}
	calc.Binary = r.binary

	slog.Debug("sweep step starting", "run", r.run.ID, "step", step.SequenceNum, "workdir", stepDir)
	if err := calc.Run(r.ctx, stepDir); err != nil {
		return fail(err.Error(), calc.ExitCode())
	}

	completedAt := time.Now()
	step.CompletedAt = &completedAt
	step.Status = models.StepStatusComplete
	exitCode := calc.ExitCode()
	step.ExitCode = &exitCode
	r.storage.UpdateStep(step)

	outputs := make(map[string][]byte)
	for name, data := range calc.Results() {
		outputs[name] = data
	}
	return stepResult{
		status:   models.StepStatusComplete,
		exitCode: exitCode,
		workDir:  stepDir,
		outputs:  outputs,
	}
}

func (r *Runtime) resultToTable(L *lua.LState, res stepResult) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "status", lua.LString(res.status))
	L.SetField(tbl, "exit_code", lua.LNumber(res.exitCode))
	L.SetField(tbl, "workdir", lua.LString(res.workDir))
	if res.err != "" {
		L.SetField(tbl, "error", lua.LString(res.err))
	}

	outputs := L.NewTable()
	for name, data := range res.outputs {
		L.SetField(outputs, name, lua.LString(string(data)))
	}
	L.SetField(tbl, "outputs", outputs)

	return tbl
}

// tableToOptions converts a Lua options table to a configuration map.
// Validation happens in montecarlo.New, not here.
func tableToOptions(tbl *lua.LTable) montecarlo.Options {
	opts := make(montecarlo.Options)
	tbl.ForEach(func(key, value lua.LValue) {
		name, ok := key.(lua.LString)
		if !ok {
			return
		}
		switch v := value.(type) {
		case lua.LBool:
			opts[string(name)] = bool(v)
		case lua.LNumber:
			opts[string(name)] = float64(v)
		default:
			opts[string(name)] = value.String()
		}
	})
	return opts
}

// luaFail implements the fail(reason?) API
func (r *Runtime) luaFail(L *lua.LState) int {
	reason := L.OptString(1, "sweep failed")
	r.failReason = reason
	r.isFailed = true
	// Raise an error to stop execution
	L.RaiseError("fail: %s", reason)
	return 0
}

// luaContext implements the context() API
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "run_id", lua.LNumber(r.run.ID))
	L.SetField(tbl, "workdir", lua.LString(r.workDir))
	L.SetField(tbl, "step", lua.LNumber(r.callIndex))
	L.Push(tbl)
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	slog.Info("sweep", "run", r.run.ID, "message", message)
	return 0
}

func (r *Runtime) markComplete() error {
	now := time.Now()
	r.run.Status = models.RunStatusComplete
	r.run.CompletedAt = &now
	return r.storage.UpdateRun(r.run)
}

func (r *Runtime) markFailed(reason string) error {
	now := time.Now()
	r.run.Status = models.RunStatusFailed
	r.run.CompletedAt = &now
	r.run.Error = reason
	if err := r.storage.UpdateRun(r.run); err != nil {
		return err
	}
	return fmt.Errorf("sweep failed: %s", reason)
}

// Logs returns the messages collected via log() during execution.
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsSweepScript checks if a file is a Lua sweep script
func IsSweepScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
