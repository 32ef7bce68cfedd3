package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/cardflow/internal/board"
	"github.com/imkarma/cardflow/internal/execution"
	"github.com/imkarma/cardflow/internal/orchestrator"
)

// screen represents which screen the TUI is showing.
type screen int

const (
	screenBoard  screen = iota // Kanban board (main)
	screenDetail               // Task detail panel
)

// popup represents an overlay dialog.
type popup int

const (
	popupNone popup = iota
	popupCreate
)

const numColumns = 3

var columnLabels = [numColumns]string{"TODO", "DOING", "DONE"}

// Model is the top-level bubbletea model.
type Model struct {
	session *orchestrator.Session
	width   int
	height  int

	screen screen
	popup  popup

	// Board state, refreshed from the session on every change.
	columns   [numColumns][]board.Task
	cursorCol int
	cursorRow int
	stats     execution.Stats
	flags     struct{ web, phone bool }

	// Create dialog.
	textInput    textinput.Model
	textInput2   textinput.Model
	inputFocused int // 0=title, 1=description

	// Detail view.
	detailID       string
	detailViewport viewport.Model

	// Runs started from the board that have not returned yet.
	running int

	changes <-chan struct{}
	unsubs  []func()

	statusMsg  string
	statusTime time.Time

	quitting bool
}

// New creates the board model for session. Board and tracker changes are
// coalesced into a single pending refresh.
func New(session *orchestrator.Session) Model {
	ti := textinput.New()
	ti.Placeholder = "Task title..."
	ti.CharLimit = 120
	ti.Width = 50

	di := textinput.New()
	di.Placeholder = "Description (optional)..."
	di.CharLimit = 500
	di.Width = 50

	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	m := Model{
		session:        session,
		screen:         screenBoard,
		textInput:      ti,
		textInput2:     di,
		detailViewport: viewport.New(80, 20),
		changes:        changes,
	}
	m.unsubs = append(m.unsubs,
		session.Board().Subscribe(func(board.Event) { notify() }),
		session.Tracker().Subscribe(func(map[string]board.Execution) { notify() }),
	)
	m.refresh()
	return m
}

// Close detaches the model from the session.
func (m Model) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.changes), tickCmd())
}

type boardChangedMsg struct{}

type tickMsg time.Time

type runDoneMsg struct {
	taskID string
	err    error
}

func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return boardChangedMsg{}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runTask executes id in the background; the board updates as it goes.
func (m Model) runTask(id string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		err := session.Execute(context.Background(), id)
		return runDoneMsg{taskID: id, err: err}
	}
}

func (m *Model) refresh() {
	snap := m.session.Board().Snapshot()
	for i, status := range board.Columns {
		m.columns[i] = snap[status]
	}
	m.stats = m.session.Stats()
	flags := m.session.Flags()
	m.flags.web, m.flags.phone = flags.WebSearch, flags.PhoneCalls
	m.clampCursor()
	if m.screen == screenDetail {
		m.loadDetail()
	}
}

func (m *Model) clampCursor() {
	if m.cursorCol < 0 {
		m.cursorCol = 0
	}
	if m.cursorCol >= numColumns {
		m.cursorCol = numColumns - 1
	}
	col := m.columns[m.cursorCol]
	if m.cursorRow >= len(col) {
		m.cursorRow = len(col) - 1
	}
	if m.cursorRow < 0 {
		m.cursorRow = 0
	}
}

func (m *Model) selectedTask() *board.Task {
	col := m.columns[m.cursorCol]
	if m.cursorRow < len(col) {
		t := col[m.cursorRow]
		return &t
	}
	return nil
}

// follow moves the cursor onto the task with id, wherever it lives now.
func (m *Model) follow(id string) {
	for c, col := range m.columns {
		for r, t := range col {
			if t.ID == id {
				m.cursorCol, m.cursorRow = c, r
				return
			}
		}
	}
}

func (m *Model) loadDetail() {
	t, ok := m.session.Board().Task(m.detailID)
	if !ok {
		m.screen = screenBoard
		return
	}
	m.detailViewport.SetContent(m.renderDetail(t))
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}
