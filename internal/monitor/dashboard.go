package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	adminhttp "github.com/fyrsmithlabs/txcore/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the bubbletea model behind `txcored top`.
type Model struct {
	serverURL  string
	client     *StatusClient
	interval   time.Duration
	lastUpdate time.Time
	status     adminhttp.StatusResponse
	err        error
	quitting   bool

	// Rates are derived from counter deltas between two samples.
	commitRate   float64
	rollbackRate float64
	inFlightPeak float64

	inFlightHistory     []float64
	commitRateHistory   []float64
	rollbackRateHistory []float64

	loadProgress progress.Model
}

// k9s-like palette
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

// NewModel creates a dashboard polling the admin API at serverURL.
func NewModel(serverURL string, interval time.Duration) Model {
	return Model{
		serverURL: serverURL,
		client:    NewStatusClient(serverURL),
		interval:  interval,
		loadProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
		inFlightPeak:        1.0,
		inFlightHistory:     make([]float64, 0, historySize),
		commitRateHistory:   make([]float64, 0, historySize),
		rollbackRateHistory: make([]float64, 0, historySize),
	}
}

// statusBadge summarizes the daemon: rollbacks outpacing commits is a warning.
func statusBadge(status adminhttp.StatusResponse, commitRate, rollbackRate float64) string {
	switch {
	case !status.Transactions.Running:
		return errorStyle.Render("✗ DOWN")
	case status.Recovery != nil && status.Recovery.LastError != "":
		return warningStyle.Render("⚠ RECOVERY")
	case rollbackRate > commitRate:
		return warningStyle.Render("⚠ WARN")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

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

// rate returns the per-second increase of a counter. A counter that went
// backwards means the daemon restarted, which reads as zero.
func rate(prev, cur uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed.Seconds()
}

type tickMsg time.Time

type statusMsg struct {
	status adminhttp.StatusResponse
	at     time.Time
}

type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(client *StatusClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg{status: status, at: time.Now()}
	}
}

// Update handles key presses, ticks and fetched samples.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.client),
		)

	case statusMsg:
		if !m.lastUpdate.IsZero() {
			elapsed := msg.at.Sub(m.lastUpdate)
			prev := m.status.Transactions
			cur := msg.status.Transactions
			m.commitRate = rate(prev.Committed, cur.Committed, elapsed)
			m.rollbackRate = rate(prev.RolledBack, cur.RolledBack, elapsed)
			m.commitRateHistory = appendToHistory(m.commitRateHistory, m.commitRate)
			m.rollbackRateHistory = appendToHistory(m.rollbackRateHistory, m.rollbackRate)
		}

		inFlight := float64(msg.status.Transactions.InFlight)
		m.inFlightHistory = appendToHistory(m.inFlightHistory, inFlight)
		if inFlight > m.inFlightPeak {
			m.inFlightPeak = inFlight
		}

		m.status = msg.status
		m.lastUpdate = msg.at
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
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("txcore Monitor")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach txcored") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. txcored run is active") + "\n"
	content += dimStyle.Render("  2. management.disabled is false") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string
	tx := m.status.Transactions

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	version := m.status.Version
	if version == "" {
		version = "unknown"
	}

	header := headerStyle.Render(" txcore Monitor ")
	headerLine := fmt.Sprintf("%s   %s   %s   %s",
		statusBadge(m.status, m.commitRate, m.rollbackRate),
		dimStyle.Render("Version:"),
		valueStyle.Render(version),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	content += "\n" + sectionStyle.Render("┃ Transactions") + "\n"

	content += labelStyle.Render("  In flight: ") +
		valueStyle.Render(fmt.Sprintf("%d", tx.InFlight)) +
		"   " + createSparkline(m.inFlightHistory) + "\n"

	load := 0.0
	if m.inFlightPeak > 0 {
		load = float64(tx.InFlight) / m.inFlightPeak
		if load > 1.0 {
			load = 1.0
		}
	}
	content += labelStyle.Render("  Load: ") +
		m.loadProgress.ViewAs(load) +
		" " + dimStyle.Render(FormatPercentage(load)) + "\n"

	content += labelStyle.Render("  Commits: ") +
		valueStyle.Render(FormatRate(m.commitRate)) +
		"   " + createSparkline(m.commitRateHistory) + "\n"

	content += labelStyle.Render("  Rollbacks: ") +
		valueStyle.Render(FormatRate(m.rollbackRate)) +
		"   " + createSparkline(m.rollbackRateHistory) + "\n"

	content += labelStyle.Render("  Totals: ") +
		dimStyle.Render("begun=") + valueStyle.Render(fmt.Sprintf("%d", tx.Begun)) +
		dimStyle.Render("  committed=") + valueStyle.Render(fmt.Sprintf("%d", tx.Committed)) +
		dimStyle.Render("  rolled back=") + valueStyle.Render(fmt.Sprintf("%d", tx.RolledBack)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Recovery") + "\n"
	if rec := m.status.Recovery; rec != nil {
		var lastRun time.Time
		if rec.LastRun != nil {
			lastRun = *rec.LastRun
		}
		state := dimStyle.Render("idle")
		if rec.InProgress {
			state = warningStyle.Render("scanning")
		}
		content += labelStyle.Render("  State: ") + state +
			dimStyle.Render("   last run ") + valueStyle.Render(FormatAgo(lastRun, time.Now())) + "\n"
		content += labelStyle.Render("  Passes: ") +
			valueStyle.Render(fmt.Sprintf("%d", rec.Executions)) +
			dimStyle.Render("  committed=") + valueStyle.Render(fmt.Sprintf("%d", rec.Committed)) +
			dimStyle.Render("  rolled back=") + valueStyle.Render(fmt.Sprintf("%d", rec.RolledBack)) + "\n"
		if rec.LastError != "" {
			content += labelStyle.Render("  Last error: ") + errorStyle.Render(rec.LastError) + "\n"
		}
	} else {
		content += dimStyle.Render("  unavailable") + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	return containerStyle.Render(content)
}
