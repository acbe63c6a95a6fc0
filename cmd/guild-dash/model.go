package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"guild/pkg/eventlog"
)

// tickMsg is sent by Bubble Tea on every tick interval.
type tickMsg time.Time

// snapshotMsg carries a fresh read of the hub database.
// nil means the database was unreadable (hub not initialized).
type snapshotMsg *Snapshot

// historyMsg carries one task's transition history for the detail view.
type historyMsg []eventlog.TransitionEvent

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads the hub database.
func fetchSnapshotCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		snap, _ := FetchSnapshot(context.Background(), dbPath)
		return snapshotMsg(snap)
	}
}

// fetchHistoryCmd returns a tea.Cmd that loads one task's history.
func fetchHistoryCmd(dbPath, taskID string) tea.Cmd {
	return func() tea.Msg {
		events, _ := FetchHistory(context.Background(), dbPath, taskID)
		return historyMsg(events)
	}
}

// ViewType represents different views in the dashboard.
type ViewType int

const (
	// TasksView shows the task table.
	TasksView ViewType = iota
	// AgentsView shows the agent registry.
	AgentsView
	// DeadLettersView shows the dead-letter queue.
	DeadLettersView
	// DetailView shows one task's transition history.
	DetailView
)

// viewCount is the number of cycleable top-level views.
const viewCount = 3

// Model is the Bubble Tea model for the guild dashboard.
type Model struct {
	dbPath     string
	activeView ViewType
	hubOnline  bool

	snapshot Snapshot

	// UI state
	width  int
	height int
	cursor int // selected row in TasksView

	// Detail view state
	detailTaskID string
	detailView   viewport.Model

	theme  Theme
	styles Styles
}

// newModel creates a new Model initialized with TasksView active.
func newModel() Model {
	theme := DefaultTheme()
	return Model{
		dbPath:     defaultDBPath(),
		activeView: TasksView,
		detailView: viewport.New(80, 20),
		theme:      theme,
		styles:     NewStyles(theme),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{fetchSnapshotCmd(m.dbPath), tickCmd()}
	if watch := watchHubDir(m.dbPath); watch != nil {
		cmds = append(cmds, watch)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detailView.Width = msg.Width - 4
		m.detailView.Height = msg.Height - 6

	case snapshotMsg:
		if msg == nil {
			m.hubOnline = false
		} else {
			m.hubOnline = true
			m.snapshot = *msg
			m.clampCursor()
		}

	case historyMsg:
		m.detailView.SetContent(renderHistory(msg, m.styles))

	case fsChangeMsg:
		// The database changed; refresh now and re-arm the watcher.
		return m, tea.Batch(fetchSnapshotCmd(m.dbPath), watchHubDir(m.dbPath))

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.dbPath), tickCmd())
	}

	return m, nil
}

// clampCursor keeps the selection inside the task list after refresh.
func (m *Model) clampCursor() {
	if m.cursor >= len(m.snapshot.Tasks) {
		m.cursor = len(m.snapshot.Tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" || key == "q" {
		return m, tea.Quit
	}

	if m.activeView == DetailView {
		return m.handleDetailViewKeys(key, msg)
	}

	switch key {
	case "tab":
		m.activeView = (m.activeView + 1) % viewCount
	case "shift+tab":
		m.activeView = (m.activeView + viewCount - 1) % viewCount
	case "j", "down":
		if m.activeView == TasksView && m.cursor < len(m.snapshot.Tasks)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.activeView == TasksView && m.cursor > 0 {
			m.cursor--
		}
	case "enter":
		if m.activeView == TasksView && len(m.snapshot.Tasks) > 0 {
			task := m.snapshot.Tasks[m.cursor]
			m.activeView = DetailView
			m.detailTaskID = task.ID
			m.detailView.SetContent("loading...")
			return m, fetchHistoryCmd(m.dbPath, task.ID)
		}
	}
	return m, nil
}

// handleDetailViewKeys processes keyboard input in DetailView.
func (m Model) handleDetailViewKeys(key string, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key == "esc" || key == "backspace" {
		m.activeView = TasksView
		m.detailTaskID = ""
		return m, nil
	}
	var cmd tea.Cmd
	m.detailView, cmd = m.detailView.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	switch m.activeView {
	case AgentsView:
		b.WriteString(renderAgentsTable(m.snapshot.Agents, time.Now(), m.styles))
	case DeadLettersView:
		b.WriteString(renderDeadLettersTable(m.snapshot.DeadLetters, m.styles))
	case DetailView:
		b.WriteString(m.styles.Header.Render("Task " + m.detailTaskID))
		b.WriteString("\n")
		b.WriteString(m.detailView.View())
	default:
		b.WriteString(renderTasksTable(m.snapshot.Tasks, m.cursor, m.styles))
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

// renderHeader draws the tab bar and delivery totals.
func (m Model) renderHeader() string {
	tabs := []struct {
		view  ViewType
		label string
	}{
		{TasksView, "Tasks"},
		{AgentsView, "Agents"},
		{DeadLettersView, fmt.Sprintf("Dead letters (%d)", len(m.snapshot.DeadLetters))},
	}

	parts := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.styles.TabIdle
		if m.activeView == tab.view || (m.activeView == DetailView && tab.view == TasksView) {
			style = m.styles.TabActive
		}
		parts = append(parts, style.Render(tab.label))
	}

	status := m.styles.StatusBad.Render("hub offline")
	if m.hubOnline {
		d := m.snapshot.Deliveries
		status = m.styles.Muted.Render(fmt.Sprintf(
			"deliveries: %d pending, %d acked, %d dead", d.Pending, d.Acked, d.Dead))
	}
	parts = append(parts, status)

	return strings.Join(parts, "   ")
}

// renderFooter draws the key hints for the active view.
func (m Model) renderFooter() string {
	hint := "tab: switch view   j/k: move   enter: history   q: quit"
	if m.activeView == DetailView {
		hint = "esc: back   j/k: scroll   q: quit"
	}
	return m.styles.Muted.Render(hint)
}

// renderHistory formats a task's transitions for the detail viewport.
func renderHistory(events []eventlog.TransitionEvent, styles Styles) string {
	if len(events) == 0 {
		return styles.Muted.Render("no transitions recorded")
	}

	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %s -> %s  by %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.From, e.To, e.Actor)
		if e.Note != "" {
			b.WriteString(styles.Muted.Render("  " + e.Note))
			b.WriteString("\n")
		}
	}
	return b.String()
}
