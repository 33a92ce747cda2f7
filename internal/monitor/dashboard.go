// Package monitor renders a live terminal dashboard of a phasegate run.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	loadTimeout     = 5 * time.Second
)

// Model is the BubbleTea dashboard model.
type Model struct {
	source     Source
	watcher    *Watcher
	interval   time.Duration
	thresholds budget.Thresholds
	state      *checkpoint.RunState
	lastUpdate time.Time
	err        error
	quitting   bool

	itemsProgress  progress.Model
	budgetProgress progress.Model

	opsHistory        []float64
	delegationHistory []float64
}

// Option configures a Model.
type Option func(*Model)

// WithWatcher reloads on file change notifications in addition to the
// polling interval.
func WithWatcher(w *Watcher) Option {
	return func(m *Model) {
		m.watcher = w
	}
}

// WithThresholds sets the budget thresholds the bars are drawn against.
func WithThresholds(t budget.Thresholds) Option {
	return func(m *Model) {
		if t != nil {
			m.thresholds = t
		}
	}
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard over source, polling every interval. A zero
// interval disables polling.
func NewModel(source Source, interval time.Duration, opts ...Option) Model {
	m := Model{
		source:     source,
		interval:   interval,
		thresholds: budget.DefaultThresholds(),
		itemsProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		budgetProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(30),
		),
		opsHistory:        make([]float64, 0, historySize),
		delegationHistory: make([]float64, 0, historySize),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func runBadge(status checkpoint.RunStatus) string {
	switch status {
	case checkpoint.RunComplete:
		return healthyStyle.Render("✓ COMPLETE")
	case checkpoint.RunRunning:
		return valueStyle.Render("● RUNNING")
	case checkpoint.RunSuspended:
		return warningStyle.Render("⏸ SUSPENDED")
	case checkpoint.RunBlocked:
		return errorStyle.Render("✗ BLOCKED")
	case checkpoint.RunCancelled:
		return errorStyle.Render("⊘ CANCELLED")
	default:
		return errorStyle.Render("✗ FAILED")
	}
}

func zoneBadge(z budget.Zone) string {
	switch z {
	case budget.Green:
		return healthyStyle.Render("[GREEN]")
	case budget.Yellow:
		return warningStyle.Render("[YELLOW]")
	default:
		return errorStyle.Render("[RED]")
	}
}

func phaseSymbol(status string) string {
	switch plan.Status(status) {
	case plan.StatusComplete:
		return healthyStyle.Render("✓")
	case plan.StatusActive:
		return valueStyle.Render("●")
	case plan.StatusBlocked:
		return errorStyle.Render("✗")
	case plan.StatusCancelled:
		return errorStyle.Render("⊘")
	default:
		return dimStyle.Render("·")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type (
	tickMsg   time.Time
	changeMsg struct{}
	stateMsg  *checkpoint.RunState
	errMsg    error
)

// Init loads the state and starts polling and watching.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{load(m.source)}
	if m.interval > 0 {
		cmds = append(cmds, tick(m.interval))
	}
	if m.watcher != nil {
		cmds = append(cmds, waitForChange(m.watcher))
	}
	return tea.Batch(cmds...)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func load(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		st, err := source.Load(ctx)
		if err != nil {
			return errMsg(err)
		}
		return stateMsg(st)
	}
}

func waitForChange(w *Watcher) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-w.Changes():
			return changeMsg{}
		case err := <-w.Errors():
			return errMsg(err)
		}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, load(m.source)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), load(m.source))

	case changeMsg:
		return m, tea.Batch(waitForChange(m.watcher), load(m.source))

	case stateMsg:
		st := (*checkpoint.RunState)(msg)
		if m.state == nil || !st.UpdatedAt.Equal(m.state.UpdatedAt) {
			m.opsHistory = appendToHistory(m.opsHistory, float64(st.BudgetCounters.DirectOperations))
			m.delegationHistory = appendToHistory(m.delegationHistory, float64(st.BudgetCounters.Delegations))
		}
		m.state = st
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.state == nil {
		return m.renderWaiting()
	}
	return m.renderDashboard()
}

func (m Model) footer() string {
	f := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ")
	if m.interval > 0 {
		f += footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	}
	return f
}

func (m Model) renderWaiting() string {
	header := headerStyle.Render(" phasegate monitor ")

	content := "\n"
	content += warningStyle.Render("⚠ No run state yet") + "\n\n"
	content += dimStyle.Render("Source: ") + valueStyle.Render(m.source.Describe()) + "\n"
	if m.err != nil {
		content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	}
	content += "\n" + m.footer() + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	st := m.state
	var content string

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	elapsed := st.UpdatedAt.Sub(st.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	content += headerStyle.Render(" phasegate monitor ") + "\n"
	content += fmt.Sprintf("%s   %s %s   %s %s   %s\n",
		runBadge(st.Status),
		dimStyle.Render("Plan:"), valueStyle.Render(st.PlanID),
		dimStyle.Render("Elapsed:"), valueStyle.Render(FormatDuration(elapsed)),
		dimStyle.Render(lastUpdate))
	content += dimStyle.Render("Run: "+st.RunID) + "\n"

	content += "\n" + sectionStyle.Render("┃ Phases") + "\n"
	var done, total int
	for _, ph := range st.Phases {
		done += ph.CompletedItems
		total += ph.Items
		line := fmt.Sprintf("  %s %s %s %s",
			phaseSymbol(ph.Status),
			labelStyle.Render(fmt.Sprintf("%-12s", ph.ID)),
			dimStyle.Render(fmt.Sprintf("%-10s", ph.Status)),
			valueStyle.Render(FormatItems(ph.CompletedItems, ph.Items)))
		if ph.Reason != "" {
			line += "  " + dimStyle.Render(ph.Reason)
		}
		content += line + "\n"
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(done) / float64(total)
	}
	content += labelStyle.Render("  Items: ") +
		m.itemsProgress.ViewAs(ratio) +
		" " + dimStyle.Render(FormatPercentage(ratio)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Budget") + "  " + zoneBadge(st.Zone) + "\n"
	for _, d := range budget.Dimensions {
		count := st.BudgetCounters.Get(d)
		th := m.thresholds[d]
		fill := 0.0
		if th.YellowMax > 0 {
			fill = min(float64(count)/float64(th.YellowMax), 1.0)
		}
		content += labelStyle.Render(fmt.Sprintf("  %-18s", string(d)+":")) +
			m.budgetProgress.ViewAs(fill) + " " +
			valueStyle.Render(fmt.Sprintf("%d", count)) +
			dimStyle.Render(fmt.Sprintf(" / %d", th.YellowMax)) + " " +
			zoneBadge(th.Zone(count)) + "\n"
	}
	content += labelStyle.Render("  Operations:  ") + createSparkline(m.opsHistory) + "\n"
	content += labelStyle.Render("  Delegations: ") + createSparkline(m.delegationHistory) + "\n"

	if st.LatestCheckpoint != "" || st.Message != "" {
		content += "\n" + sectionStyle.Render("┃ Checkpoint") + "\n"
		if st.LatestCheckpoint != "" {
			content += labelStyle.Render("  Latest: ") + valueStyle.Render(st.LatestCheckpoint) + "\n"
		}
		if st.Message != "" {
			content += labelStyle.Render("  Message: ") + dimStyle.Render(st.Message) + "\n"
		}
	}

	content += "\n" + m.footer()
	return containerStyle.Render(content)
}
