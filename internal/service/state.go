package service

import (
	"errors"
	"fmt"
	"slices"
)

type State string

const (
	StateWaiting State = "waiting"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// waiting->failed happens when admission is aborted by a shutdown,
// waiting->done when the bundle was produced while the job was queued.
var transitions = map[State][]State{
	StateWaiting: {StateRunning, StateFailed, StateDone},
	StateRunning: {StateDone, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) check(to State) error {
	if !slices.Contains(transitions[s], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
	}
	return nil
}
