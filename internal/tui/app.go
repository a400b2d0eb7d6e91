// Package tui implements the live progress view of `neuropipe run`.
//
// It follows the Elm architecture that Bubble Tea uses:
//   - Model: App holds everything the screen shows (pairs, running steps, failures)
//   - Update: engine events arrive as messages and change the model
//   - View: the model is rendered to a string on every change
//
// The engine never talks to the model directly. An Observer forwards each
// engine event to the running program, which delivers it to Update on the UI
// goroutine.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/logbook"
	"github.com/kingrea/neuropipe/internal/workflow/engine"
)

const (
	maxFailureLines = 8
	failListLines   = 6
)

// EventMsg carries one engine event into the model.
type EventMsg struct {
	Event engine.Event
}

// DoneMsg tells the model that the fan-out has returned.
type DoneMsg struct {
	Failures int
}

// failure is one line in the failures panel.
type failure struct {
	pair    cohort.Pair
	stepID  string
	message string
}

// pairProgress tracks the steps of one pair that are currently running.
type pairProgress struct {
	started  time.Time
	running  map[string]time.Time
	finished int
}

// App is the Bubble Tea model behind `neuropipe run --tui`.
type App struct {
	title    string
	total    int
	done     int
	failed   int
	pairs    map[cohort.Pair]*pairProgress
	failures []failure
	logbook  *logbook.Logbook
	cancel   func()
	now      func() time.Time
	started  time.Time

	progress progress.Model
	spinner  spinner.Model

	width    int
	height   int
	finished bool
	stopping bool
}

// AppOption customises the model.
type AppOption func(*App)

// WithTitle sets the header line.
func WithTitle(title string) AppOption {
	return func(a *App) {
		if strings.TrimSpace(title) != "" {
			a.title = title
		}
	}
}

// WithLogbook shows the tail of the invocation's fail list.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithCancel is called when the user asks to stop the run.
func WithCancel(cancel func()) AppOption {
	return func(a *App) {
		a.cancel = cancel
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AppOption {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// NewApp builds the model for a run over total pairs.
func NewApp(total int, opts ...AppOption) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleRunning
	a := &App{
		title:    "neuropipe",
		total:    total,
		pairs:    make(map[cohort.Pair]*pairProgress),
		now:      time.Now,
		progress: progress.New(progress.WithGradient("#5B8DEF", "#4CAF50")),
		spinner:  sp,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()
	return a
}

// Init starts the spinner.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = max(10, msg.Width-12)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if a.finished {
				return a, tea.Quit
			}
			if !a.stopping {
				a.stopping = true
				if a.cancel != nil {
					a.cancel()
				}
			}
			return a, nil
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case progress.FrameMsg:
		model, cmd := a.progress.Update(msg)
		if pm, ok := model.(progress.Model); ok {
			a.progress = pm
		}
		return a, cmd

	case EventMsg:
		return a, a.apply(msg.Event)

	case DoneMsg:
		a.finished = true
		if msg.Failures > a.failed {
			a.failed = msg.Failures
		}
		return a, tea.Quit
	}
	return a, nil
}

// apply folds one engine event into the model.
func (a *App) apply(ev engine.Event) tea.Cmd {
	switch ev.Kind {
	case engine.EventPairStarted:
		a.pairs[ev.Pair] = &pairProgress{started: ev.Time, running: map[string]time.Time{}}
	case engine.EventStepStarted:
		a.pair(ev.Pair).running[ev.StepID] = ev.Time
	case engine.EventStepFinished:
		p := a.pair(ev.Pair)
		delete(p.running, ev.StepID)
		p.finished++
	case engine.EventStepFailed:
		p := a.pair(ev.Pair)
		delete(p.running, ev.StepID)
		p.finished++
		message := ev.Message
		if message == "" && ev.Err != nil {
			message = ev.Err.Error()
		}
		a.failures = append(a.failures, failure{pair: ev.Pair, stepID: ev.StepID, message: message})
		if len(a.failures) > maxFailureLines {
			a.failures = a.failures[len(a.failures)-maxFailureLines:]
		}
	case engine.EventPairFinished:
		delete(a.pairs, ev.Pair)
		a.done++
		if ev.Engine == engine.EngineStatusError || ev.Engine == engine.EngineStatusBlocked {
			a.failed++
		}
		return a.progress.SetPercent(a.percent())
	}
	return nil
}

func (a *App) pair(p cohort.Pair) *pairProgress {
	entry, ok := a.pairs[p]
	if !ok {
		entry = &pairProgress{started: a.now(), running: map[string]time.Time{}}
		a.pairs[p] = entry
	}
	return entry
}

func (a *App) percent() float64 {
	if a.total <= 0 {
		return 0
	}
	return float64(a.done) / float64(a.total)
}

// View renders the model.
func (a *App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(a.title))
	b.WriteString("\n\n")
	b.WriteString(a.renderSummary())
	b.WriteString("\n")
	b.WriteString(a.progress.ViewAs(a.percent()))
	b.WriteString("\n\n")
	b.WriteString(a.renderRunning())
	if panel := a.renderFailures(); panel != "" {
		b.WriteString("\n")
		b.WriteString(panel)
	}
	b.WriteString("\n")
	b.WriteString(a.renderFooter())
	return b.String()
}

func (a *App) renderSummary() string {
	parts := []string{
		fmt.Sprintf("%d/%d pairs", a.done, a.total),
		labelStyleRunning.Render(fmt.Sprintf("%d running", len(a.pairs))),
	}
	if a.failed > 0 {
		parts = append(parts, labelStyleBlocked.Render(fmt.Sprintf("%d failed", a.failed)))
	}
	parts = append(parts, detailTextStyle.Render("elapsed "+humanizeDuration(a.now().Sub(a.started))))
	return strings.Join(parts, "  ")
}

func (a *App) renderRunning() string {
	if len(a.pairs) == 0 {
		text := "Waiting for pairs..."
		if a.finished {
			text = "All pairs processed."
		}
		return boxStyle(a.width).Render(labelStyleSkipped.Render(text))
	}
	keys := make([]cohort.Pair, 0, len(a.pairs))
	for p := range a.pairs {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	now := a.now()
	lines := make([]string, 0, len(keys))
	for _, p := range keys {
		lines = append(lines, renderPairLine(p, a.pairs[p], a.spinner.View(), now))
	}
	return boxStyle(a.width).Render(strings.Join(lines, "\n"))
}

func (a *App) renderFailures() string {
	limit := 0
	if a.width > 0 {
		limit = max(20, a.width-30)
	}
	var lines []string
	for _, f := range a.failures {
		lines = append(lines, fmt.Sprintf("%s %s %s",
			labelStyleBlocked.Render("✗"),
			labelStyleDefault.Render(f.pair.Subject+" "+f.pair.Session),
			detailTextStyle.Render(f.stepID+": "+truncate(f.message, limit))))
	}
	if a.logbook != nil {
		tail, total := a.logbook.Tail(failListLines)
		if total > 0 {
			lines = append(lines, "", labelStyleSkipped.Render(fmt.Sprintf("%s (%d lines)", a.logbook.Path(), total)))
			for _, line := range tail {
				lines = append(lines, detailTextStyle.Render(line))
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	header := headerStyle.Render("Failures")
	return boxStyle(a.width).Render(header + "\n" + strings.Join(lines, "\n"))
}

func (a *App) renderFooter() string {
	switch {
	case a.finished:
		return footerStyle.Render("done")
	case a.stopping:
		return footerStyle.Render("stopping after running steps finish...")
	default:
		return footerStyle.Render("q: stop")
	}
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if limit <= 3 || len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

var _ tea.Model = (*App)(nil)

func boxStyle(width int) lipgloss.Style {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)
	if width > 4 {
		style = style.Width(width - 4)
	}
	return style
}
