package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/cardflow/internal/board"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)
	boldStyle  = lipgloss.NewStyle().Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	cardSelectedStyle = cardStyle.
				BorderForeground(clrHighlight).
				Bold(true)

	cardRunningStyle = cardStyle.BorderForeground(clrBlue)
	cardFailedStyle  = cardStyle.BorderForeground(clrRed)
	cardDoneStyle    = cardStyle.BorderForeground(clrGreen)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

var columnColors = [numColumns]lipgloss.AdaptiveColor{clrSubtle, clrBlue, clrGreen}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenBoard:
		content = m.viewBoard()
	case screenDetail:
		content = m.viewDetail()
	}

	if m.popup != popupNone {
		content = m.overlayPopup(content)
	}
	return content
}

// ════════════════════════════════════════════════
// BOARD VIEW
// ════════════════════════════════════════════════

func (m Model) viewBoard() string {
	var b strings.Builder

	total := 0
	for _, col := range m.columns {
		total += len(col)
	}

	header := titleStyle.Render("cardflow")
	header += dimStyle.Render(fmt.Sprintf(" — %d tasks", total))
	rightHelp := flagLabel("web", m.flags.web) + "  " + flagLabel("phone", m.flags.phone)

	headerLine := header
	if m.width > 0 {
		pad := m.width - lipgloss.Width(header) - lipgloss.Width(rightHelp)
		if pad > 0 {
			headerLine = header + strings.Repeat(" ", pad) + rightHelp
		}
	}
	b.WriteString(headerLine + "\n\n")

	colWidth := 36
	if m.width > 0 {
		colWidth = (m.width - 2) / numColumns
		if colWidth < 24 {
			colWidth = 24
		}
	}

	var cols []string
	for i := range m.columns {
		cols = append(cols, m.renderColumn(i, colWidth))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
	b.WriteString("\n")

	if total == 0 {
		b.WriteString(dimStyle.Render("  No tasks yet. Press ") +
			footerKeyStyle.Render("c") +
			dimStyle.Render(" to create one.\n"))
	}

	// Status bar.
	if m.statusMsg != "" {
		b.WriteString("\n")
		if strings.HasPrefix(strings.ToLower(m.statusMsg), "error") {
			b.WriteString(errorStyle.Render("  " + m.statusMsg))
		} else {
			b.WriteString(statusStyle.Render("  " + m.statusMsg))
		}
	}

	b.WriteString("\n")
	b.WriteString(m.statsLine())
	b.WriteString("\n")
	b.WriteString(boardFooter())
	return b.String()
}

func (m Model) renderColumn(i, width int) string {
	var b strings.Builder
	label := lipgloss.NewStyle().Bold(true).Foreground(columnColors[i]).
		Render(fmt.Sprintf("%s (%d)", columnLabels[i], len(m.columns[i])))
	b.WriteString(" " + label + "\n")

	maxCards := len(m.columns[i])
	if m.height > 0 {
		// Header, stats and footer take about eight lines; a card takes five.
		maxCards = max((m.height-8)/5, 1)
	}

	start := 0
	if i == m.cursorCol && m.cursorRow >= maxCards {
		start = m.cursorRow - maxCards + 1
	}
	for r := start; r < len(m.columns[i]) && r < start+maxCards; r++ {
		selected := i == m.cursorCol && r == m.cursorRow
		b.WriteString(m.renderCard(m.columns[i][r], selected, width-1) + "\n")
	}
	if hidden := len(m.columns[i]) - (start + maxCards); hidden > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", hidden)) + "\n")
	}
	return lipgloss.NewStyle().Width(width).Render(b.String())
}

func (m Model) renderCard(t board.Task, selected bool, width int) string {
	inner := width - 4
	var content strings.Builder

	id := lipgloss.NewStyle().Foreground(clrCyan).Render(t.ID)
	kind := ""
	switch {
	case t.IsParent():
		done := 0
		if d, total, err := m.session.Board().Progress(t.ID); err == nil {
			done = d
			kind = dimStyle.Render(fmt.Sprintf("%d/%d", done, total))
		}
	case t.TaskType() != "":
		kind = dimStyle.Render(t.TaskType())
	}
	content.WriteString(id + "  " + kind + "\n")

	title := t.Title
	if t.IsSubTask {
		title = "↳ " + title
	}
	content.WriteString(boldStyle.Render(truncate(title, inner)) + "\n")

	failed := strings.HasPrefix(t.AIResponse, "Error: ")
	switch {
	case t.Execution != nil:
		elapsed := ""
		if exec, ok := m.session.Tracker().Execution(t.ID); ok {
			elapsed = " " + time.Since(exec.StartedAt).Round(time.Second).String()
		}
		content.WriteString(lipgloss.NewStyle().Foreground(clrBlue).
			Render(truncate("● "+string(t.Execution.Type)+elapsed, inner)))
	case failed:
		content.WriteString(lipgloss.NewStyle().Foreground(clrRed).
			Render(truncate("✗ "+strings.TrimPrefix(t.AIResponse, "Error: "), inner)))
	case t.IsBlocked():
		content.WriteString(lipgloss.NewStyle().Foreground(clrYellow).
			Render(fmt.Sprintf("⧗ blocked by %d", len(t.Dependencies()))))
	case t.AIResponse != "":
		content.WriteString(dimStyle.Render(truncate(firstLine(t.AIResponse), inner)))
	default:
		content.WriteString(dimStyle.Render(truncate(t.Description, inner)))
	}

	style := cardStyle
	switch {
	case selected:
		style = cardSelectedStyle
	case t.Execution != nil:
		style = cardRunningStyle
	case failed:
		style = cardFailedStyle
	case t.Status == board.StatusDone:
		style = cardDoneStyle
	}
	return style.Width(width - 2).Render(content.String())
}

func (m Model) statsLine() string {
	s := m.stats
	if s.Total == 0 {
		return dimStyle.Render("  idle")
	}
	types := make([]string, 0, len(s.ByType))
	for typ, n := range s.ByType {
		types = append(types, fmt.Sprintf("%s %d", typ, n))
	}
	sort.Strings(types)
	line := fmt.Sprintf("  executing %d: %s", s.Total, strings.Join(types, ", "))
	if s.LongestRunning.TaskID != "" {
		line += fmt.Sprintf(" • longest %s (%s)", s.LongestRunning.TaskID, s.LongestRunning.Duration.Round(time.Second))
	}
	return lipgloss.NewStyle().Foreground(clrBlue).Render(line)
}

func boardFooter() string {
	keys := []struct{ key, desc string }{
		{"↑↓←→", "navigate"},
		{"enter", "open"},
		{"c", "new"},
		{"r", "run"},
		{"<>", "move"},
		{"w", "web"},
		{"p", "phone"},
		{"q", "quit"},
	}
	return renderFooter(keys)
}

// ════════════════════════════════════════════════
// DETAIL VIEW
// ════════════════════════════════════════════════

func (m Model) viewDetail() string {
	var b strings.Builder

	title := m.detailID
	if t, ok := m.session.Board().Task(m.detailID); ok {
		title = t.ID + " " + t.Title
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render("esc back"))
	b.WriteString("\n\n")

	b.WriteString(m.detailViewport.View())
	b.WriteString("\n\n")

	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"r", "run"},
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m Model) renderDetail(t board.Task) string {
	var b strings.Builder
	label := func(s string) string { return boldStyle.Render(s) }

	b.WriteString(fmt.Sprintf("%s %s\n", label("Status:"), t.Status))
	if t.TaskType() != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", label("Type:  "), t.TaskType()))
	}
	if t.BatchID != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", label("Batch: "), t.BatchID))
	}
	if t.ParentTaskID != "" {
		parent := t.ParentTaskID
		if p, ok := m.session.Board().Task(t.ParentTaskID); ok {
			parent += " " + p.Title
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label("Parent:"), parent))
	}
	b.WriteString("\n")

	if t.Description != "" {
		b.WriteString(label("Description") + "\n" + t.Description + "\n\n")
	}

	if deps := t.Dependencies(); len(deps) > 0 {
		b.WriteString(label("Blocked by") + "\n")
		for _, id := range deps {
			line := "  " + id
			if d, ok := m.session.Board().Task(id); ok {
				line += fmt.Sprintf(" %s (%s)", d.Title, d.Status)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(t.SubTaskIDs) > 0 {
		b.WriteString(label("Sub-tasks") + "\n")
		for _, id := range t.SubTaskIDs {
			line := "  " + id
			if s, ok := m.session.Board().Task(id); ok {
				line = fmt.Sprintf("  %s %s %s", statusDot(s), s.ID, s.Title)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if t.Execution != nil || len(t.ExecutionHistory) > 0 {
		b.WriteString(label("Executions") + "\n")
		if e := t.Execution; e != nil {
			b.WriteString(fmt.Sprintf("  %s %-14s %s running since %s\n",
				lipgloss.NewStyle().Foreground(clrBlue).Render("◉"), e.Type, e.ID, e.StartedAt.Local().Format("15:04:05")))
		}
		for i := len(t.ExecutionHistory) - 1; i >= 0; i-- {
			e := t.ExecutionHistory[i]
			dot := lipgloss.NewStyle().Foreground(clrGreen).Render("●")
			if e.Status == board.ExecutionFailed {
				dot = lipgloss.NewStyle().Foreground(clrRed).Render("✗")
			}
			took := ""
			if e.CompletedAt != nil {
				took = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
			}
			b.WriteString(fmt.Sprintf("  %s %-14s %s %s\n", dot, e.Type, e.ID, dimStyle.Render(took)))
			if e.Error != "" {
				b.WriteString("      " + lipgloss.NewStyle().Foreground(clrRed).Render(e.Error) + "\n")
			}
		}
		b.WriteString("\n")
	}

	if t.AIResponse != "" {
		b.WriteString(label("Result") + "\n")
		b.WriteString(lipgloss.NewStyle().Width(max(m.detailViewport.Width-2, 20)).Render(t.AIResponse))
		b.WriteString("\n")
	}
	return b.String()
}

func statusDot(t board.Task) string {
	switch {
	case t.Status == board.StatusDone:
		return lipgloss.NewStyle().Foreground(clrGreen).Render("●")
	case t.Status == board.StatusDoing:
		return lipgloss.NewStyle().Foreground(clrBlue).Render("◉")
	case strings.HasPrefix(t.AIResponse, "Error: "):
		return lipgloss.NewStyle().Foreground(clrRed).Render("✗")
	default:
		return dimStyle.Render("○")
	}
}

// ════════════════════════════════════════════════
// POPUPS
// ════════════════════════════════════════════════

func (m Model) overlayPopup(bg string) string {
	var popup string
	switch m.popup {
	case popupCreate:
		popup = m.viewCreatePopup()
	default:
		return bg
	}

	// Place popup in center of screen.
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) viewCreatePopup() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(clrHighlight).Render("Create Task")
	b.WriteString(title + "\n\n")

	b.WriteString("Title:\n")
	b.WriteString(m.textInput.View() + "\n\n")

	b.WriteString("Description:\n")
	b.WriteString(m.textInput2.View() + "\n\n")

	b.WriteString(footerDescStyle.Render("enter create • ctrl+r create & run • tab switch • esc cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) popupBoxStyle() lipgloss.Style {
	w := 60
	if m.width > 0 {
		w = m.width - 12
		if w < 42 {
			w = 42
		}
		if w > 84 {
			w = 84
		}
	}
	return popupStyle.Width(w)
}

// ════════════════════════════════════════════════
// SHARED HELPERS
// ════════════════════════════════════════════════

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		key := footerKeyStyle.Render(k.key)
		desc := footerDescStyle.Render(k.desc)
		parts = append(parts, key+" "+desc)
	}
	return "  " + strings.Join(parts, "  ")
}

func flagLabel(name string, on bool) string {
	if on {
		return lipgloss.NewStyle().Foreground(clrGreen).Render(name + " on")
	}
	return dimStyle.Render(name + " off")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}
