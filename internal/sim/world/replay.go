package world

import "fmt"

// ReplayTick re-steps one recorded tick and checks the resulting digest
// against the log. The world must be at entry.Tick-1.
func (w *World) ReplayTick(e TickLogEntry) error {
	if want := w.CurrentTick() + 1; e.Tick != want {
		return fmt.Errorf("tick mismatch: want=%d got=%d", want, e.Tick)
	}

	joins := make([]JoinRequest, 0, len(e.Joins))
	for _, j := range e.Joins {
		joins = append(joins, JoinRequest{SessionID: j.SessionID, Name: j.Name, Ack: j.Ack})
	}
	envs := make([]Envelope, 0, len(e.Requests))
	for _, r := range e.Requests {
		req := r.Req
		envs = append(envs, Envelope{SessionID: r.SessionID, Request: &req})
	}

	tick, digest := w.StepOnce(joins, e.Leaves, envs)
	if tick != e.Tick {
		return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d", tick, e.Tick)
	}
	if e.Digest != "" && digest != e.Digest {
		return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, digest, e.Digest)
	}
	return nil
}
