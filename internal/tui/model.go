// Package tui provides the Bubble Tea live stream view.
package tui

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verte-zerg/rngviz/internal/game"
	"github.com/verte-zerg/rngviz/internal/model"
)

// Controller is the slice of the pipeline the view drives. Nil methods are
// never called when game mode is off.
type Controller interface {
	Pause()
	Resume()
	FinishGame() (game.Session, bool)
	GameSession() (game.Session, bool)
}

const (
	ratioWindow   = 512
	historyLimit  = 8
	tickInterval  = 200 * time.Millisecond
	sparklineSize = 60
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A")).Bold(true)
	tier95Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#E8D44D"))
	tier99Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#E8913A"))
	tierTop     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F")).Bold(true)
)

type stepMsg struct {
	step model.Step
}

type laneClosedMsg struct{}

type tickMsg time.Time

// Model implements the Bubble Tea live view over a visualization lane.
type Model struct {
	steps    <-chan model.Step
	ctrl     Controller
	meta     model.SessionMeta
	gameMode bool

	width  int
	height int

	bytesSeen uint64
	ratioRing []float64
	ringOnes  []int
	ringIdx   int
	ringFill  int
	onesSum   int

	recent []model.AnomalyEvent
	paused bool
	closed bool

	session   game.Session
	haveGame  bool
	turnTable table.Model
	now       time.Time
}

// NewModel constructs the live view. ctrl may be nil for playback, where
// pause and finish keys do nothing.
func NewModel(steps <-chan model.Step, ctrl Controller, meta model.SessionMeta, gameMode bool) *Model {
	columns := []table.Column{
		{Title: "turn", Width: 4},
		{Title: "instruction", Width: 20},
		{Title: "*", Width: 4},
		{Title: "**", Width: 4},
		{Title: "***", Width: 4},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(historyLimit),
		table.WithFocused(false),
	)
	return &Model{
		steps:     steps,
		ctrl:      ctrl,
		meta:      meta,
		gameMode:  gameMode,
		ringOnes:  make([]int, ratioWindow),
		turnTable: t,
		now:       time.Now(),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForStep(m.steps), tick())
}

func waitForStep(ch <-chan model.Step) tea.Cmd {
	return func() tea.Msg {
		step, ok := <-ch
		if !ok {
			return laneClosedMsg{}
		}
		return stepMsg{step: step}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case stepMsg:
		m.applyStep(msg.step)
		return m, waitForStep(m.steps)
	case laneClosedMsg:
		m.closed = true
		return m, tea.Quit
	case tickMsg:
		m.now = time.Time(msg)
		m.refreshGame()
		return m, tick()
	case tea.KeyMsg:
		return m.handleKey(msg)
	default:
		return m, nil
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "p":
		if m.ctrl != nil && !m.paused {
			m.ctrl.Pause()
			m.paused = true
		}
	case "r":
		if m.ctrl != nil && m.paused {
			m.ctrl.Resume()
			m.paused = false
		}
	case "f":
		if m.ctrl != nil && m.gameMode {
			if session, ok := m.ctrl.FinishGame(); ok {
				m.session = session
				m.haveGame = true
			}
		}
	}
	return m, nil
}

func (m *Model) applyStep(step model.Step) {
	m.bytesSeen++
	ones := bits.OnesCount8(step.Sample.Value)
	if m.ringFill == ratioWindow {
		m.onesSum -= m.ringOnes[m.ringIdx]
	} else {
		m.ringFill++
	}
	m.ringOnes[m.ringIdx] = ones
	m.onesSum += ones
	m.ringIdx = (m.ringIdx + 1) % ratioWindow

	ratio := float64(m.onesSum) / float64(m.ringFill*8)
	m.ratioRing = append(m.ratioRing, ratio)
	if len(m.ratioRing) > sparklineSize {
		m.ratioRing = m.ratioRing[1:]
	}

	m.recent = append(m.recent, step.Events...)
	if len(m.recent) > historyLimit {
		m.recent = m.recent[len(m.recent)-historyLimit:]
	}
}

func (m *Model) refreshGame() {
	if !m.gameMode || m.ctrl == nil {
		return
	}
	session, ok := m.ctrl.GameSession()
	if !ok {
		return
	}
	m.session = session
	m.haveGame = true

	rows := make([]table.Row, 0, len(session.Turns))
	for i, turn := range session.Turns {
		b := turn.Buckets
		rows = append(rows, table.Row{
			strconv.Itoa(i + 1),
			string(turn.Instruction),
			strconv.Itoa(b.Yellow95Up + b.Yellow95Down),
			strconv.Itoa(b.Orange99Up + b.Orange99Down),
			strconv.Itoa(b.Red999Up + b.Red999Down),
		})
	}
	m.turnTable.SetRows(rows)
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderStream())
	if m.gameMode {
		b.WriteString("\n")
		b.WriteString(m.renderGame())
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	title := fmt.Sprintf("%s  window %d  %d bytes", m.meta.Device, m.meta.WindowSize, m.bytesSeen)
	out := headerStyle.Render(title)
	if m.paused {
		out += "  " + pausedStyle.Render("PAUSED")
	}
	if m.closed {
		out += "  " + dimStyle.Render("stream ended")
	}
	return out
}

func (m *Model) renderStream() string {
	var b strings.Builder
	b.WriteString("ones ratio  ")
	b.WriteString(sparkline(m.ratioRing))
	if m.ringFill > 0 {
		fmt.Fprintf(&b, "  %.4f", float64(m.onesSum)/float64(m.ringFill*8))
	}
	b.WriteString("\n\n")

	if len(m.recent) == 0 {
		b.WriteString(dimStyle.Render("no anomalies yet"))
		b.WriteString("\n")
		return b.String()
	}
	for _, ev := range m.recent {
		b.WriteString(renderEvent(ev))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEvent(ev model.AnomalyEvent) string {
	line := fmt.Sprintf("%-3s %-10s z=%+.2f p=%.2g", ev.Tier, ev.Test, ev.ZScore, ev.PValue)
	switch ev.Direction {
	case model.ExcessOnes:
		line += " ↑"
	case model.ExcessZeros:
		line += " ↓"
	}
	return tierStyle(ev.Tier).Render(line)
}

func tierStyle(tier model.Tier) lipgloss.Style {
	switch tier {
	case model.Tier999:
		return tierTop
	case model.Tier99:
		return tier99Style
	default:
		return tier95Style
	}
}

func (m *Model) renderGame() string {
	var b strings.Builder
	if current := m.session.Current; current != nil && !m.session.Finished {
		remaining := current.Duration - m.now.Sub(current.StartedAt)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(&b, "%s  %s left\n",
			headerStyle.Render(string(current.Instruction)),
			remaining.Round(time.Second))
	} else if m.session.Finished {
		totals := m.session.Totals()
		fmt.Fprintf(&b, "%s  up %d  down %d\n",
			headerStyle.Render("game over"), totals.TotalUp(), totals.TotalDown())
	}
	if len(m.session.Turns) > 0 {
		b.WriteString(m.turnTable.View())
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderFooter() string {
	keys := []string{"q quit"}
	if m.ctrl != nil {
		keys = append(keys, "p pause", "r resume")
		if m.gameMode {
			keys = append(keys, "f finish game")
		}
	}
	return dimStyle.Render(strings.Join(keys, "  "))
}

func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	var b strings.Builder
	for _, v := range values {
		// Ratio near 0.5 is the norm; spread 0.3..0.7 over the rune range
		// so small deviations stay visible.
		pos := (v - 0.3) / 0.4
		idx := int(pos * float64(len(sparkRunes)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkRunes) {
			idx = len(sparkRunes) - 1
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}
