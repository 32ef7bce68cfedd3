package cli

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/imkarma/cardflow/internal/board"
)

// ANSI color codes.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorWhite   = "\033[37m"
)

// printBoard renders the three columns side by side.
func printBoard(snapshot map[board.Status][]board.Task) {
	type col struct {
		status board.Status
		label  string
		color  string
	}
	order := []col{
		{board.StatusTodo, "TODO", colorWhite},
		{board.StatusDoing, "DOING", colorBlue},
		{board.StatusDone, "DONE", colorGreen},
	}

	total := 0
	for _, c := range order {
		total += len(snapshot[c.status])
	}
	if total == 0 {
		fmt.Printf("%sBoard is empty.%s\n", colorDim, colorReset)
		return
	}

	// Print header.
	colWidth := 32
	headerLine := ""
	sepLine := ""
	for _, c := range order {
		count := len(snapshot[c.status])
		header := fmt.Sprintf(" %s%s%s (%d)", c.color+colorBold, c.label, colorReset, count)
		// padding needs visible length, not byte length (ANSI codes add bytes).
		visibleLen := len(fmt.Sprintf(" %s (%d)", c.label, count))
		headerLine += header + strings.Repeat(" ", max(colWidth-visibleLen, 0))
		sepLine += strings.Repeat("─", colWidth)
	}
	fmt.Println(headerLine)
	fmt.Println(colorDim + sepLine + colorReset)

	maxRows := 0
	for _, c := range order {
		maxRows = max(maxRows, len(snapshot[c.status]))
	}

	for i := 0; i < maxRows; i++ {
		// Title line.
		line := ""
		for _, c := range order {
			tasks := snapshot[c.status]
			if i >= len(tasks) {
				line += strings.Repeat(" ", colWidth)
				continue
			}
			t := tasks[i]
			prefix := "  "
			if t.IsSubTask {
				prefix = " ↳"
			}
			title := truncate(t.Title, colWidth-4)
			card := fmt.Sprintf("%s %s%s%s", prefix, typeColor(t), title, colorReset)
			visible := utf8.RuneCountInString(prefix) + 1 + utf8.RuneCountInString(title)
			line += card + strings.Repeat(" ", max(colWidth-visible, 0))
		}
		fmt.Println(line)

		// Detail line.
		detailLine := ""
		for _, c := range order {
			tasks := snapshot[c.status]
			if i >= len(tasks) {
				detailLine += strings.Repeat(" ", colWidth)
				continue
			}
			detail, visible := cardDetail(tasks[i], colWidth-5)
			detailLine += detail + strings.Repeat(" ", max(colWidth-visible, 0))
		}
		fmt.Println(detailLine)
		fmt.Println()
	}

	// Show failed tasks.
	var failed []board.Task
	for _, t := range snapshot[board.StatusTodo] {
		if strings.HasPrefix(t.AIResponse, "Error: ") {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		fmt.Printf("%s%s✗  Failed tasks%s\n", colorBold, colorRed, colorReset)
		for _, t := range failed {
			fmt.Printf("  %s%s%s: %s — %s\n", colorYellow, t.ID, colorReset, t.Title, strings.TrimPrefix(t.AIResponse, "Error: "))
		}
		fmt.Println()
	}

	// Summary line.
	done := len(snapshot[board.StatusDone])
	doing := len(snapshot[board.StatusDoing])
	fmt.Printf("%s%d tasks%s", colorBold, total, colorReset)
	if done > 0 {
		fmt.Printf("  %s✓ %d done%s", colorGreen, done, colorReset)
	}
	if doing > 0 {
		fmt.Printf("  %s● %d doing%s", colorBlue, doing, colorReset)
	}
	if len(failed) > 0 {
		fmt.Printf("  %s✗ %d failed%s", colorRed, len(failed), colorReset)
	}
	fmt.Println()
}

// cardDetail returns the colored detail line for a card and its visible width.
func cardDetail(t board.Task, width int) (string, int) {
	var text, color string
	switch {
	case strings.HasPrefix(t.AIResponse, "Error: "):
		text, color = "✗ "+truncate(strings.TrimPrefix(t.AIResponse, "Error: "), width-2), colorRed
	case t.Execution != nil:
		text, color = "● "+string(t.Execution.Type), colorBlue
	case t.IsBlocked():
		text, color = fmt.Sprintf("⧗ blocked by %d", len(t.Dependencies())), colorYellow
	case t.TaskType() != "":
		text, color = "["+t.TaskType()+"]", colorCyan
	default:
		return "", 0
	}
	return "    " + color + text + colorReset, 4 + utf8.RuneCountInString(text)
}

func typeColor(t board.Task) string {
	switch {
	case t.IsParent():
		return colorBold
	case t.Status == board.StatusDone:
		return colorDim
	default:
		return ""
	}
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
