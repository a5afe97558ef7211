package framepipe

import "github.com/sirupsen/logrus"

// State identifies one of the possible states pipe can be in.
type State int

const (
	// Idle state means that pipe can be started.
	Idle State = iota
	// Running state means that frames are submitted for processing.
	Running
	// Draining state means that source is done and pipe waits for
	// submitted frames.
	Draining
	// Flushing state means that workers are done and components are
	// being closed.
	Flushing
	// Closed state means that pipe is done and cannot be used anymore.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// State returns the current state of the pipe.
func (p *Pipe) State() State {
	p.m.Lock()
	defer p.m.Unlock()
	return p.state
}

// transition moves the pipe into the next state.
func (p *Pipe) transition(s State) {
	p.m.Lock()
	prev := p.state
	p.state = s
	p.m.Unlock()
	p.logTransition(prev, s)
}

func (p *Pipe) logTransition(from, to State) {
	p.log.WithFields(logrus.Fields{
		"run":  p.uid,
		"from": from.String(),
		"to":   to.String(),
	}).Debug("state changed")
}
