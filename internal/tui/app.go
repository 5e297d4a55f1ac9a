package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/SMTG-Bham/e2mc2/internal/models"
	"github.com/SMTG-Bham/e2mc2/internal/montecarlo"
	"github.com/SMTG-Bham/e2mc2/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

type App struct {
	storage *storage.Storage

	view            View
	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	steps           []*models.Step
	selectedStepIdx int
	output          viewport.Model
	outputTitle     string
	outputReady     bool

	width  int
	height int
	err    error
}

func NewApp(store *storage.Storage) *App {
	return &App{
		storage: store,
		view:    ViewRunList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if a.outputReady {
			a.output.Width = msg.Width
			a.output.Height = msg.Height - 4
		}
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.hasRunningRuns() {
			return a, a.tickCmd()
		}
		return a, nil

	case tickMsg:
		// Only refresh the list while something is still running
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.selectedRun = msg.run
		a.steps = msg.steps
		a.err = msg.err
		if a.err == nil {
			a.view = ViewRunDetail
			a.selectedStepIdx = 0
		}
		return a, nil

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.outputTitle = msg.title
			height := a.height - 4
			if height < 1 {
				height = 20
			}
			width := a.width
			if width < 1 {
				width = 80
			}
			a.output = viewport.New(width, height)
			a.output.SetContent(msg.content)
			a.outputReady = true
			a.view = ViewOutput
		}
		return a, nil
	}

	if a.view == ViewOutput && a.outputReady {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "d":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.deleteRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.steps = nil
		a.selectedStepIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedStepIdx > 0 {
			a.selectedStepIdx--
		}

	case "down", "j":
		if a.selectedStepIdx < len(a.steps)-1 {
			a.selectedStepIdx++
		}

	case "o":
		if a.selectedRun == nil {
			break
		}
		workDir := a.selectedRun.WorkDir
		if len(a.steps) > 0 && a.selectedStepIdx < len(a.steps) {
			workDir = a.steps[a.selectedStepIdx].WorkDir
		}
		if workDir != "" {
			return a, a.loadOutput(workDir)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputReady = false

	case "ctrl+c":
		return a, tea.Quit
	}

	if a.outputReady {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("e2mc2") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'e2mc2 run'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			isSelected := i == a.selectedIdx
			isRunning := run.Status == models.RunStatusRunning

			if isSelected {
				line = selectedStyle.Render("▶ " + line)
			} else if !isRunning {
				// Dim finished runs
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := a.formatAge(run.CreatedAt)
	label := run.Label
	if label == "" {
		label = string(run.Kind)
	}
	return fmt.Sprintf("#%-3d %-18s %s  %-6s  %s", run.ID, truncate(label, 18), status, age, truncate(run.WorkDir, 35))
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run #%d", run.ID)
	if run.Label != "" {
		header += ": " + run.Label
	}
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"

	s += labelStyle.Render("Workdir:  ") + dimStyle.Render(run.WorkDir) + "\n"
	if run.PresetName != "" {
		s += labelStyle.Render("Preset:   ") + run.PresetName + "\n"
	}
	if run.ArchivePath != "" {
		s += labelStyle.Render("Archive:  ") + dimStyle.Render(run.ArchivePath) + "\n"
	}
	if run.ExitCode != nil {
		s += labelStyle.Render("Exit:     ") + fmt.Sprintf("%d", *run.ExitCode) + "\n"
	}
	if run.Error != "" {
		s += labelStyle.Render("Error:    ") + statusFailed.Render(run.Error) + "\n"
	}

	if len(run.Options) > 0 {
		s += "\nOptions\n───────\n"
		for _, name := range sortedKeys(run.Options) {
			s += fmt.Sprintf("  %-8s %v\n", name, run.Options[name])
		}
	}

	if run.Kind == models.RunKindSweep {
		s += "\nSteps\n─────\n"
		if len(a.steps) == 0 {
			s += "(no steps yet)\n"
		}
		for i, step := range a.steps {
			line := a.formatStepLine(step)
			if i == a.selectedStepIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select step  [o] output  [esc] back  [q] quit")

	return s
}

func (a *App) formatStepLine(step *models.Step) string {
	status := "○"
	switch step.Status {
	case models.StepStatusComplete:
		status = statusComplete.Render("✓")
	case models.StepStatusRunning:
		status = statusRunning.Render("●")
	case models.StepStatusFailed:
		status = statusFailed.Render("✗")
	}

	exitCode := ""
	if step.ExitCode != nil {
		if *step.ExitCode == 0 {
			exitCode = dimStyle.Render("exit:0")
		} else {
			exitCode = statusFailed.Render(fmt.Sprintf("exit:%d", *step.ExitCode))
		}
	}

	duration := ""
	if step.StartedAt != nil && step.CompletedAt != nil {
		duration = dimStyle.Render(formatDuration(step.CompletedAt.Sub(*step.StartedAt)))
	} else if step.StartedAt != nil && step.Status == models.StepStatusRunning {
		duration = statusRunning.Render(formatDuration(time.Since(*step.StartedAt)) + "...")
	}

	line := fmt.Sprintf("%d. %s", step.SequenceNum, status)
	if exitCode != "" {
		line += "  " + exitCode
	}
	if duration != "" {
		line += "  " + fmt.Sprintf("%6s", duration)
	}
	return line
}

func (a *App) viewOutput() string {
	s := titleStyle.Render(a.outputTitle) + "\n\n"
	if a.outputReady {
		s += a.output.View() + "\n"
	}
	s += helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run   *models.Run
	steps []*models.Step
	err   error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type outputLoadedMsg struct {
	title   string
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.storage.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.storage.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		steps, err := a.storage.GetStepsForRun(id)
		return runDetailMsg{run: run, steps: steps, err: err}
	}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.storage.DeleteRun(id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

// loadOutput reads the main emc2 output from a working directory, falling
// back to the captured process log when mc.out is not there.
func (a *App) loadOutput(workDir string) tea.Cmd {
	return func() tea.Msg {
		for _, name := range []string{"mc.out", montecarlo.LogFile} {
			path := filepath.Join(workDir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return outputLoadedMsg{title: name, content: string(data)}
		}
		return outputLoadedMsg{err: fmt.Errorf("no output files in %s", workDir)}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
