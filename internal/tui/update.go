package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/cardflow/internal/board"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If popup is active, handle popup keys first.
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 6
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.detailViewport.Width = vw
		m.detailViewport.Height = vh
		if m.screen == screenDetail {
			m.loadDetail()
		}
		return m, nil

	case boardChangedMsg:
		m.refresh()
		return m, waitForChange(m.changes)

	case runDoneMsg:
		m.running--
		if msg.err != nil {
			m.setStatus("Error: " + msg.err.Error())
		} else if t, ok := m.session.Board().Task(msg.taskID); ok {
			m.setStatus("Finished " + t.Title)
		}
		m.refresh()
		return m, nil

	case tickMsg:
		// Clear old status messages.
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		// Longest-running is measured at call time, so refresh it.
		m.stats = m.session.Stats()
		return m, tickCmd()
	}

	if m.screen == screenDetail {
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenBoard {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()
	case "esc":
		return m.goBack()
	}

	switch m.screen {
	case screenBoard:
		return m.handleBoardKey(msg)
	case screenDetail:
		return m.handleDetailKey(msg)
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen == screenDetail {
		m.screen = screenBoard
		m.follow(m.detailID)
		m.detailID = ""
	}
	return m, nil
}

// --- Board screen keys ---

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	// Navigation.
	case "j", "down":
		m.cursorRow++
		m.clampCursor()
	case "k", "up":
		m.cursorRow--
		m.clampCursor()
	case "h", "left":
		m.cursorCol--
		m.clampCursor()
	case "l", "right":
		m.cursorCol++
		m.clampCursor()

	// Detail.
	case "enter", " ":
		if t := m.selectedTask(); t != nil {
			m.detailID = t.ID
			m.screen = screenDetail
			m.loadDetail()
			m.detailViewport.GotoTop()
		}

	// Drag right / left.
	case ">", "L", "shift+right":
		return m.drag(+1)
	case "<", "H", "shift+left":
		return m.drag(-1)

	// Run (or re-run) the selected task.
	case "r":
		if t := m.selectedTask(); t != nil {
			return m.run(*t)
		}

	// Feature toggles.
	case "w":
		on := !m.session.Flags().WebSearch
		m.session.SetWebSearch(on)
		m.refresh()
		m.setStatus("Web search " + onOff(on))
	case "p":
		on := !m.session.Flags().PhoneCalls
		m.session.SetPhoneCalls(on)
		m.refresh()
		m.setStatus("Phone calls " + onOff(on))

	// Create new task.
	case "c", "ctrl+n":
		m.popup = popupCreate
		m.textInput.Reset()
		m.textInput.Focus()
		m.textInput2.Reset()
		m.textInput2.Blur()
		m.inputFocused = 0
		return m, textinput.Blink
	}

	return m, nil
}

// drag moves the selected card one column. Dragging a todo card into doing
// starts its execution; everything else is a plain board move.
func (m Model) drag(dir int) (tea.Model, tea.Cmd) {
	t := m.selectedTask()
	if t == nil {
		return m, nil
	}
	target := m.cursorCol + dir
	if target < 0 || target >= numColumns {
		return m, nil
	}
	status := board.Columns[target]

	if t.Status == board.StatusTodo && status == board.StatusDoing {
		return m.run(*t)
	}
	if _, err := m.session.Drag(t.ID, status); err != nil {
		m.setStatus("Error: " + err.Error())
		return m, nil
	}
	m.refresh()
	m.follow(t.ID)
	return m, nil
}

func (m Model) run(t board.Task) (tea.Model, tea.Cmd) {
	if m.session.Tracker().IsExecuting(t.ID) {
		m.setStatus(t.Title + " is already running")
		return m, nil
	}
	if t.Status == board.StatusDone {
		m.setStatus(t.Title + " is done")
		return m, nil
	}
	if t.IsParent() {
		m.setStatus(t.Title + " already has sub-tasks; run them individually")
		return m, nil
	}
	m.running++
	if m.running > 1 {
		m.setStatus("Queued " + t.Title)
	} else {
		m.setStatus("Running " + t.Title)
	}
	return m, m.runTask(t.ID)
}

// --- Detail screen keys ---

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "backspace":
		return m.goBack()
	case "r":
		if t, ok := m.session.Board().Task(m.detailID); ok {
			return m.run(t)
		}
	}

	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	return m, cmd
}

// --- Popup keys ---

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.popup == popupCreate {
		return m.handleCreatePopup(msg)
	}
	return m, nil
}

func (m Model) handleCreatePopup(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		return m, nil
	case "tab":
		if m.inputFocused == 0 {
			m.textInput.Blur()
			m.textInput2.Focus()
			m.inputFocused = 1
		} else {
			m.textInput2.Blur()
			m.textInput.Focus()
			m.inputFocused = 0
		}
		return m, textinput.Blink
	case "enter", "ctrl+r":
		title := m.textInput.Value()
		if title == "" {
			m.setStatus("Title cannot be empty")
			return m, nil
		}
		task, err := m.session.CreateTask(title, m.textInput2.Value())
		if err != nil {
			m.setStatus("Error: " + err.Error())
			return m, nil
		}
		m.popup = popupNone
		m.refresh()
		m.follow(task.ID)
		if msg.String() == "ctrl+r" {
			return m.run(task)
		}
		m.setStatus("Created " + task.ID + ": " + title)
		return m, nil
	}

	// Forward to the active text input.
	var cmd tea.Cmd
	if m.inputFocused == 0 {
		m.textInput, cmd = m.textInput.Update(msg)
	} else {
		m.textInput2, cmd = m.textInput2.Update(msg)
	}
	return m, cmd
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
