// Package sequencer orders a decomposition batch by its dependency edges and
// runs the ordered tasks strictly one at a time.
package sequencer

import (
	"errors"
	"fmt"

	"github.com/imkarma/cardflow/internal/board"
)

// ErrCycle reports that a batch contains a dependency cycle.
var ErrCycle = errors.New("dependency cycle")

// Edge is a dependency edge: From depends on To.
type Edge struct {
	From string
	To   string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s", e.From, e.To)
}

// Sequence is the outcome of sorting a batch. Order always contains every
// input id exactly once. Cycles lists the back edges that were ignored to
// produce it; an acyclic batch has none.
type Sequence struct {
	Order  []string
	Cycles []Edge
}

// Err returns ErrCycle wrapped with the first offending edge, or nil.
func (s Sequence) Err() error {
	if len(s.Cycles) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCycle, s.Cycles[0])
}

// Sort orders batch so that every task comes after the batch members it
// depends on. Dependencies outside the batch are ignored. Independent tasks
// keep their input order.
//
// The walk is a depth-first visit with white/gray/black coloring. A gray
// dependency closes a cycle: the edge is recorded and the walk proceeds as
// if it were satisfied, so Sort always terminates.
func Sort(batch []board.Task) Sequence {
	const (
		white = iota
		gray
		black
	)

	inBatch := make(map[string]*board.Task, len(batch))
	for i := range batch {
		inBatch[batch[i].ID] = &batch[i]
	}

	seq := Sequence{Order: make([]string, 0, len(batch))}
	color := make(map[string]int, len(batch))

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		for _, dep := range inBatch[id].Dependencies() {
			if _, ok := inBatch[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				seq.Cycles = append(seq.Cycles, Edge{From: id, To: dep})
			case white:
				visit(dep)
			}
		}
		color[id] = black
		seq.Order = append(seq.Order, id)
	}

	for _, t := range batch {
		if color[t.ID] == white {
			visit(t.ID)
		}
	}
	return seq
}
