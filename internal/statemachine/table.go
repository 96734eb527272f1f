// Package statemachine holds the transition tables of every settlement
// entity and the checks that guard them. Everything here is pure: callers
// pass the current state, the requested target and the actor, and receive
// either nil or a *errors.TransitionError describing the rejection.
package statemachine

import (
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

// Table maps each state to the ordered set of states it may move to. States
// missing from the map have no outgoing edges.
type Table[S ~string] struct {
	entity string
	edges  map[S][]S
}

func NewTable[S ~string](entity string, edges map[S][]S) Table[S] {
	return Table[S]{entity: entity, edges: edges}
}

func (t Table[S]) Entity() string {
	return t.entity
}

func (t Table[S]) Allowed(from S) []S {
	return t.edges[from]
}

func (t Table[S]) Can(from, to S) bool {
	for _, s := range t.edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Check rejects any transition not explicitly listed for from.
func (t Table[S]) Check(from, to S) error {
	if t.Can(from, to) {
		return nil
	}
	return pkgerrors.Invalid(t.entity, string(from), string(to), names(t.edges[from]))
}

// States returns every state that appears in the table.
func (t Table[S]) States() []S {
	seen := make(map[S]struct{})
	var out []S
	add := func(s S) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for from, tos := range t.edges {
		add(from)
		for _, to := range tos {
			add(to)
		}
	}
	return out
}

// Reachable reports whether to can be reached from from without ever
// entering any of the avoided states.
func (t Table[S]) Reachable(from, to S, avoid ...S) bool {
	blocked := make(map[S]struct{}, len(avoid))
	for _, a := range avoid {
		blocked[a] = struct{}{}
	}
	if _, ok := blocked[from]; ok {
		return false
	}
	visited := map[S]struct{}{from: {}}
	queue := []S{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range t.edges[cur] {
			if next == to {
				return true
			}
			if _, ok := blocked[next]; ok {
				continue
			}
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (t Table[S]) Terminal(s S) bool {
	return len(t.edges[s]) == 0
}

func names[S ~string](states []S) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
