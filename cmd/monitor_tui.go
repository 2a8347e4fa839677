// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/expmon/pkg/config"
	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/loopback"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

// Messages
type tickMsg time.Time
type eventMsg struct {
	ev   event.Event
	line string
}
type doneMsg struct{ err error }

// dashboard is a log sink tap that renders the session in a TUI
type dashboard struct {
	program *tea.Program
}

func newDashboard(cfg *config.Config, primary event.Label, stats func() (loopback.Statistics, bool)) *dashboard {
	m := initialDashboardModel(cfg, primary, stats)
	return &dashboard{program: tea.NewProgram(m, tea.WithAltScreen())}
}

// Observe forwards one written event to the dashboard
func (d *dashboard) Observe(ev event.Event, line string) {
	d.program.Send(eventMsg{ev: ev, line: line})
}

// run executes fn alongside the TUI. Quitting the TUI cancels fn.
func (d *dashboard) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := fn(ctx)
		d.program.Send(doneMsg{err: err})
		done <- err
	}()

	_, uiErr := d.program.Run()
	cancel()
	err := <-done
	if err == nil && uiErr != nil {
		return fmt.Errorf("tui: %w", uiErr)
	}
	return err
}

// TUI model
type dashboardModel struct {
	info     string
	target   string
	primary  event.Label
	started  time.Time
	stats    func() (loopback.Statistics, bool)
	loopback bool

	counts     map[event.Label]int
	lastOutput time.Time
	frame      *telemetry.Frame
	frameTime  time.Time

	lines    []string
	maxLines int
	log      viewport.Model

	width    int
	height   int
	now      time.Time
	quitting bool
	err      error
}

func initialDashboardModel(cfg *config.Config, primary event.Label, stats func() (loopback.Statistics, bool)) dashboardModel {
	target := cfg.Serial.Port
	if cfg.WebSocket.URL != "" {
		target = cfg.WebSocket.URL
	}
	now := time.Now()
	return dashboardModel{
		info:     cfg.Info,
		target:   target,
		primary:  primary,
		started:  now,
		stats:    stats,
		loopback: cfg.Loopback.Enabled,
		counts:   make(map[event.Label]int),
		maxLines: 500,
		log:      viewport.New(76, 10),
		width:    80,
		height:   24,
		now:      now,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLog()

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case eventMsg:
		m.observe(msg.ev, msg.line)

	case doneMsg:
		m.err = msg.err
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *dashboardModel) observe(ev event.Event, line string) {
	m.counts[ev.Label]++
	if ev.Time.After(m.now) {
		m.now = ev.Time
	}
	if ev.Label.IsFamilyOf(m.primary) {
		m.lastOutput = ev.Time
		if f, ok := telemetry.Decode(strings.TrimSpace(ev.Payload)); ok {
			m.frame = &f
			m.frameTime = ev.Time
		}
	}

	m.lines = append(m.lines, line)
	if len(m.lines) > m.maxLines {
		m.lines = m.lines[len(m.lines)-m.maxLines:]
	}
	atBottom := m.log.AtBottom()
	m.log.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.log.GotoBottom()
	}
}

func (m *dashboardModel) resizeLog() {
	m.log.Width = m.width - 4
	h := m.height - 16 // header and stat boxes
	if h < 5 {
		h = 5
	}
	m.log.Height = h
	m.log.GotoBottom()
}

// formatAge formats a duration as a short human-friendly string
func formatAge(d time.Duration) string {
	if d < time.Second {
		return "just now"
	}
	d = d.Truncate(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	parts := []string{}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ") + " ago"
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func status(ok bool, good, bad string) string {
	if ok {
		return statsValueStyle.Render(good)
	}
	return errorStyle.Render(bad)
}

func (m dashboardModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("EXPMON - " + strings.ToUpper(m.info)))
	s.WriteString("\n")
	mode := "Logging"
	if m.loopback {
		mode = "Loopback"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("Port: %s | Label: %s | Mode: %s | Up %s | Press 'q' to quit",
		m.target, m.primary, mode, strings.TrimSuffix(formatAge(m.now.Sub(m.started)), " ago"))))
	s.WriteString("\n\n")

	// Event counters
	stats := strings.Builder{}
	lines := m.counts[m.primary] + m.counts[m.primary.Final()]
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Lines:"), statsValueStyle.Render(fmt.Sprintf("%d", lines)),
		statsLabelStyle.Render("Warnings:"), warningStyle.Render(fmt.Sprintf("%d", m.counts[event.LabelWarn])),
		statsLabelStyle.Render("Exceptions:"), errorStyle.Render(fmt.Sprintf("%d", m.counts[event.LabelException])),
	))
	last := headerStyle.Render("no output yet")
	if !m.lastOutput.IsZero() {
		last = statsValueStyle.Render(formatAge(m.now.Sub(m.lastOutput)))
	}
	stats.WriteString(fmt.Sprintf("%s %s", statsLabelStyle.Render("Last output:"), last))

	if m.loopback && m.stats != nil {
		if st, ok := m.stats(); ok {
			st.CalculateRates()
			errs := statsValueStyle.Render(fmt.Sprintf("%d", st.Errors))
			if st.Errors > 0 {
				errs = errorStyle.Render(fmt.Sprintf("%d", st.Errors))
			}
			stats.WriteString(fmt.Sprintf("\n%s %s   %s %s   %s %s",
				statsLabelStyle.Render("Passes:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Passes)),
				statsLabelStyle.Render("Bytes:"), statsValueStyle.Render(fmt.Sprintf("%d", st.BytesTested)),
				statsLabelStyle.Render("Byte errors:"), errs,
			))
		}
	}
	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n")

	// Telemetry section (only shown once a frame was seen)
	if m.frame != nil {
		f := m.frame
		s.WriteString(boxStyle.Render(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s   %s %s   %s",
			statsLabelStyle.Render("Current:"), statsValueStyle.Render(fmt.Sprintf("%.2f mA", f.CurrentMilliamps())),
			statsLabelStyle.Render("SOM:"), status(f.PowerEnable(), "ON", "OFF"),
			statsLabelStyle.Render("nRST:"), status(f.ResetHigh(), "HIGH", "LOW"),
			statsLabelStyle.Render("PGOOD:"), status(f.PowerGood(), "YES", "NO"),
			statsLabelStyle.Render("WDT:"), status(f.WatchdogOK(), "OK", "FAIL"),
			headerStyle.Render(formatAge(m.now.Sub(m.frameTime))),
		)))
		s.WriteString("\n")
	}

	if len(m.lines) == 0 {
		s.WriteString(boxStyle.Width(m.width - 4).Render(headerStyle.Render("  (no events yet)")))
	} else {
		s.WriteString(boxStyle.Render(m.log.View()))
	}

	return s.String()
}
