package interactive

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/restored/device"
)

// Phase is one stage of a restore run, tracked by the progress display.
// Renamed from the teacher's download/unpack/activate OperationPhase set to
// this core's probe/sign/boot-chain/session phases.
type Phase string

const (
	PhaseProbe     Phase = "probe"
	PhaseSign      Phase = "sign"
	PhaseBootChain Phase = "boot_chain"
	PhaseSession   Phase = "restore_session"
)

var phaseOrder = []Phase{PhaseProbe, PhaseSign, PhaseBootChain, PhaseSession}

// PhaseState tracks one phase's current status line.
type PhaseState struct {
	Status  string // "pending", "active", "done", "error"
	Detail  string
	Started time.Time
}

// PhaseUpdateMsg advances one phase's state; sent into the bubbletea
// program by the orchestrator's ProgressSink/StatusSink adapters below.
type PhaseUpdateMsg struct {
	Phase  Phase
	Status string
	Detail string
}

// Model is the bubbletea model rendering restore-run progress.
type Model struct {
	phases    map[Phase]*PhaseState
	spinner   spinner.Model
	styles    *Styles
	startedAt time.Time
	done      bool
	err       error
}

// NewModel creates a fresh progress display.
func NewModel() Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	phases := make(map[Phase]*PhaseState, len(phaseOrder))
	for _, p := range phaseOrder {
		phases[p] = &PhaseState{Status: "pending"}
	}
	return Model{
		phases:    phases,
		spinner:   s,
		styles:    DefaultStyles(),
		startedAt: time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return m.spinner.Tick }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case PhaseUpdateMsg:
		ps, ok := m.phases[msg.Phase]
		if !ok {
			ps = &PhaseState{}
			m.phases[msg.Phase] = ps
		}
		if ps.Status == "pending" && msg.Status == "active" {
			ps.Started = time.Now()
		}
		ps.Status = msg.Status
		ps.Detail = msg.Detail
		return m, nil

	case error:
		m.err = msg
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("restore progress"))
	b.WriteString("\n")
	for _, p := range phaseOrder {
		ps := m.phases[p]
		icon := m.styles.StatusIcon(ps.Status)
		line := fmt.Sprintf("%s %-16s", icon, p)
		if ps.Detail != "" {
			line += "  " + m.styles.Muted.Render(ps.Detail)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("elapsed %s", FormatDuration(time.Since(m.startedAt)))))
	return b.String()
}

// ProgressSink adapts a restoresession.ProgressSink onto the program,
// forwarding every ProgressMsg as a PhaseUpdateMsg on the session phase.
func ProgressSink(p *tea.Program) func(msg device.RestoreMessage) {
	return func(msg device.RestoreMessage) {
		detail := fmt.Sprint(msg.Fields["Status"])
		p.Send(PhaseUpdateMsg{Phase: PhaseSession, Status: "active", Detail: detail})
	}
}

// StatusSink adapts a restoresession.StatusSink onto the program. It
// reports every StatusMsg as terminal, so the first status received ends
// the loop; a caller that needs non-terminal statuses wraps it with its own
// logic.
func StatusSink(p *tea.Program) func(msg device.RestoreMessage) bool {
	return func(msg device.RestoreMessage) bool {
		status := fmt.Sprint(msg.Fields["Status"])
		p.Send(PhaseUpdateMsg{Phase: PhaseSession, Status: "done", Detail: status})
		return true
	}
}
