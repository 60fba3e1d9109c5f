// Package app renders live run progress in the terminal: one row per
// archive with its status, a spinner and an overall progress bar, fed by
// messages translated from orchestrator progress events.
package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Living-with-machines/alto2txt2fixture/internal/orchestrator"
)

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	headerStyle      = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	statusStyles     = map[string]lipgloss.Style{
		orchestrator.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		orchestrator.StatusComplete:   lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		orchestrator.StatusSkipped:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		orchestrator.StatusAborted:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		orchestrator.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		orchestrator.StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
	}
)

type archiveRow struct {
	Name    string
	Status  string
	ErrMsg  string
	Start   time.Time
	Elapsed time.Duration
}

// Model drives the run-progress view. It owns no pipeline state; the run
// happens in a goroutine started by the caller, which feeds msgChan.
type Model struct {
	spinner         spinner.Model
	overallProgress progress.Model

	mu       sync.RWMutex
	rows     map[string]*archiveRow
	rowOrder []string
	done     int
	total    int

	finished bool
	Summary  *orchestrator.Summary
	RunErr   error
	Quitting bool

	termWidth  int
	termHeight int

	msgChan chan tea.Msg
}

// NewModel builds the model. msgChan carries ArchiveProgressMsg and a final
// RunFinishedMsg from the run goroutine; the caller closes nothing, the
// RunFinishedMsg ends the program.
func NewModel(msgChan chan tea.Msg) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &Model{
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		rows:            make(map[string]*archiveRow),
		msgChan:         msgChan,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForActivity())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.Quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.overallProgress.Width = maxInt(0, m.termWidth-12)
	case ArchiveProgressMsg:
		cmds = append(cmds, m.applyProgress(msg))
	case RunFinishedMsg:
		m.finished = true
		m.Summary = msg.Summary
		m.RunErr = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		if !m.finished {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	if !m.finished {
		cmds = append(cmds, m.waitForActivity())
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) applyProgress(msg ArchiveProgressMsg) tea.Cmd {
	m.mu.Lock()
	row, exists := m.rows[msg.ArchivePath]
	if !exists {
		row = &archiveRow{
			Name:   filepath.Base(msg.ArchivePath),
			Status: orchestrator.StatusQueued,
			Start:  time.Now(),
		}
		m.rows[msg.ArchivePath] = row
		m.rowOrder = append(m.rowOrder, msg.ArchivePath)
	}
	row.Status = msg.Status
	row.ErrMsg = msg.ErrMsg
	if terminal(msg.Status) && row.Elapsed == 0 {
		row.Elapsed = time.Since(row.Start)
	}
	m.done = msg.Done
	m.total = msg.Total
	m.mu.Unlock()

	var percent float64
	if msg.Total > 0 {
		percent = float64(msg.Done) / float64(msg.Total)
	}
	return m.overallProgress.SetPercent(percent)
}

func terminal(status string) bool {
	switch status {
	case orchestrator.StatusComplete, orchestrator.StatusSkipped, orchestrator.StatusAborted, orchestrator.StatusError:
		return true
	}
	return false
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("--- alto2txt fixture pipeline ---"))
	b.WriteString("\n\n")

	m.mu.RLock()
	defer m.mu.RUnlock()

	b.WriteString(fmt.Sprintf("%s Processing archives\n", m.spinner.View()))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n\n", m.done, m.total))

	maxLines := m.termHeight - 10
	if maxLines < 1 {
		maxLines = 1
	}
	startIdx := 0
	if len(m.rowOrder) > maxLines {
		startIdx = len(m.rowOrder) - maxLines
	}

	if len(m.rowOrder) > 0 {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-44s | %-11s | %s", "Archive", "Status", "Elapsed")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", maxInt(m.termWidth, 1)))
		b.WriteString("\n")
		for i := startIdx; i < len(m.rowOrder); i++ {
			row := m.rows[m.rowOrder[i]]
			if row == nil {
				continue
			}
			style, ok := statusStyles[row.Status]
			if !ok {
				style = infoStyle
			}
			elapsed := ""
			if row.Elapsed > 0 {
				elapsed = row.Elapsed.Round(time.Millisecond).String()
			} else if row.Status == orchestrator.StatusProcessing {
				elapsed = time.Since(row.Start).Round(time.Second).String() + "..."
			}
			name := row.Name
			if len(name) > 44 {
				name = name[:41] + "..."
			}
			line := fmt.Sprintf("%-44s | %-11s | %s", name, style.Render(row.Status), elapsed)
			b.WriteString(clip(line, m.termWidth))
			if row.Status == orchestrator.StatusError && row.ErrMsg != "" {
				b.WriteString("\n")
				b.WriteString(errorStyle.Render(clip("  -> "+row.ErrMsg, m.termWidth)))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(infoStyle.Render("'q' or Ctrl+C to quit."))
	return b.String()
}

func (m *Model) waitForActivity() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.msgChan
		if !ok {
			return nil
		}
		return msg
	}
}

func clip(s string, width int) string {
	if width > 0 && len(s) >= width {
		return s[:width-1]
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
