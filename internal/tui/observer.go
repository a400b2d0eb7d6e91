package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/neuropipe/internal/workflow/engine"
)

// Sender is the part of *tea.Program the observer needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards engine events to a running program.
type Observer struct {
	sender Sender
}

// NewObserver returns an engine observer that feeds s.
func NewObserver(s Sender) *Observer {
	return &Observer{sender: s}
}

// Observe implements engine.Observer. Program.Send is safe to call from any
// goroutine.
func (o *Observer) Observe(ev engine.Event) {
	if o == nil || o.sender == nil {
		return
	}
	o.sender.Send(EventMsg{Event: ev})
}

var _ engine.Observer = (*Observer)(nil)
