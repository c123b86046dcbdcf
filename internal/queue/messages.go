package queue

import (
	"errors"

	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
)

// AcquireMsg asks the worker to download a tree. Without seeds the
// account's own person is the starting point.
type AcquireMsg struct {
	RunID        string   `json:"run_id"`
	Seeds        []string `json:"seeds,omitempty"`
	Ascend       int      `json:"ascend"`
	Descend      int      `json:"descend"`
	Spouses      bool     `json:"spouses"`
	Ordinances   bool     `json:"ordinances"`
	Contributors bool     `json:"contributors"`
}

// MergeMsg asks the worker to merge GEDCOM objects in the given order.
type MergeMsg struct {
	RunID  string   `json:"run_id"`
	Inputs []string `json:"inputs"`
	Policy string   `json:"policy,omitempty"`
}

const (
	PolicyLater   = "later"
	PolicyEarlier = "earlier"
)

// MergePolicy maps the message policy name onto the graph merge policy.
func (m MergeMsg) MergePolicy() graph.MergePolicy {
	if m.Policy == PolicyEarlier {
		return graph.EarlierWins
	}
	return graph.LaterWins
}

// RunEvent is broadcast when a run finishes, under "run.<status>".
type RunEvent struct {
	RunID  string `json:"run_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one a retry cannot fix. The worker dead-letters
// such messages immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
