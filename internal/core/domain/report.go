package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Outcome is the result of one node's provision or deploy unit of work
type Outcome struct {
	Node     string
	Address  string
	Status   OutcomeStatus
	Kind     string
	Reason   string
	Duration time.Duration
}

// Summary renders the one-line form used in reports: "succeeded" or "failed: Kind: reason"
func (o Outcome) Summary() string {
	switch o.Status {
	case OutcomeFailed:
		if o.Reason == "" {
			return fmt.Sprintf("failed: %s", o.Kind)
		}
		return fmt.Sprintf("failed: %s: %s", o.Kind, o.Reason)
	case OutcomeSkipped:
		return fmt.Sprintf("skipped: %s", o.Reason)
	}
	return string(o.Status)
}

// Succeeded builds a successful outcome
func Succeeded(node Node, took time.Duration) Outcome {
	return Outcome{Node: node.Name, Address: node.Address, Status: OutcomeSucceeded, Duration: took}
}

// Failed builds a failed outcome classified by err
func Failed(node Node, err error, took time.Duration) Outcome {
	return Outcome{
		Node:     node.Name,
		Address:  node.Address,
		Status:   OutcomeFailed,
		Kind:     KindOf(err),
		Reason:   reason(err),
		Duration: took,
	}
}

func reason(err error) string {
	var ne *NodeError
	if errors.As(err, &ne) && ne.Err != nil {
		return ne.Err.Error()
	}
	return err.Error()
}

// Report enumerates per-node outcomes of one operation run
type Report struct {
	ID         string
	Operation  string
	Version    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

// Add appends an outcome
func (r *Report) Add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Sort orders outcomes by node position in names, unknown names last
func (r *Report) Sort(names []string) {
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		pi, ok := pos[r.Outcomes[i].Node]
		if !ok {
			pi = len(names)
		}
		pj, ok := pos[r.Outcomes[j].Node]
		if !ok {
			pj = len(names)
		}
		return pi < pj
	})
}

// Count returns how many outcomes have status
func (r *Report) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// PartialFailure reports whether at least one node failed
func (r *Report) PartialFailure() bool {
	return r.Count(OutcomeFailed) > 0
}
