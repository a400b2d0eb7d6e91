package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/workflow/engine"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))

	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type stepLabel struct {
	text  string
	style lipgloss.Style
}

// renderPairLine shows one in-flight pair and the steps it is running.
func renderPairLine(p cohort.Pair, progress *pairProgress, spin string, now time.Time) string {
	ids := make([]string, 0, len(progress.running))
	for id := range progress.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	steps := make([]string, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, fmt.Sprintf("%s %s", id, detailTextStyle.Render(humanizeDuration(now.Sub(progress.running[id])))))
	}
	detail := labelStyleSkipped.Render("between steps")
	if len(steps) > 0 {
		detail = strings.Join(steps, ", ")
	}
	return fmt.Sprintf("%s %s %s  %s %s",
		spin,
		labelStyleDefault.Render(p.Subject),
		labelStyleDefault.Render(p.Session),
		detail,
		labelStyleSkipped.Render(fmt.Sprintf("(%d done)", progress.finished)))
}

// labelFor maps a step's resolver state to the word shown next to it.
func labelFor(node engine.StepStatus) stepLabel {
	if node.LastRun != nil && node.LastRun.Error != "" {
		return stepLabel{text: "failed", style: labelStyleBlocked}
	}
	switch node.State {
	case resolver.NodeStateComplete:
		return stepLabel{text: "done", style: labelStyleReady}
	case resolver.NodeStateReady:
		if node.Stale {
			return stepLabel{text: "stale", style: labelStyleGate}
		}
		return stepLabel{text: "ready", style: labelStyleRunning}
	case resolver.NodeStateBlocked:
		return stepLabel{text: "blocked", style: labelStyleSkipped}
	case resolver.NodeStateError:
		return stepLabel{text: "error", style: labelStyleBlocked}
	case resolver.NodeStatePending:
		return stepLabel{text: "pending", style: labelStyleDefault}
	default:
		return stepLabel{text: string(node.State), style: labelStyleDefault}
	}
}

// RenderStatus draws one box per pair listing every pipeline step with its
// state. width <= 0 leaves the boxes unconstrained.
func RenderStatus(states []engine.State, width int) string {
	if len(states) == 0 {
		return labelStyleSkipped.Render("No pairs selected.")
	}
	boxes := make([]string, 0, len(states))
	for _, state := range states {
		boxes = append(boxes, renderStateBox(state, width))
	}
	return strings.Join(boxes, "\n")
}

func renderStateBox(state engine.State, width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(state.Pair.Subject + " " + state.Pair.Session))
	b.WriteString("  ")
	b.WriteString(engineLabel(state.Status))
	if state.StatusReason != "" {
		b.WriteString(" ")
		b.WriteString(detailTextStyle.Render(state.StatusReason))
	}
	nameWidth := 0
	for _, node := range state.Nodes {
		nameWidth = max(nameWidth, len(node.ID))
	}
	for _, node := range state.Nodes {
		label := labelFor(node)
		b.WriteString("\n")
		b.WriteString(labelStyleDefault.Render(fmt.Sprintf("%-*s", nameWidth, node.ID)))
		b.WriteString("  ")
		b.WriteString(label.style.Render(label.text))
		if len(node.BlockedBy) > 0 && node.State == resolver.NodeStateBlocked {
			b.WriteString(" ")
			b.WriteString(detailTextStyle.Render("waiting on " + strings.Join(node.BlockedBy, ", ")))
		}
		if node.LastRun != nil && node.LastRun.Error != "" {
			b.WriteString(" ")
			b.WriteString(detailTextStyle.Render(truncate(node.LastRun.Error, 60)))
		}
	}
	return boxStyle(width).Render(b.String())
}

func engineLabel(status engine.EngineStatus) string {
	switch status {
	case engine.EngineStatusComplete:
		return labelStyleReady.Render("complete")
	case engine.EngineStatusRunning:
		return labelStyleRunning.Render("in progress")
	case engine.EngineStatusBlocked:
		return labelStyleGate.Render("blocked")
	case engine.EngineStatusError:
		return labelStyleBlocked.Render("error")
	default:
		return labelStyleSkipped.Render(string(status))
	}
}
