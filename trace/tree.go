// Package trace rebuilds the hierarchical span tree for one trace from its
// flat, possibly out-of-order, possibly duplicated event log, and annotates
// each node with type-specific semantics for the trace-detail API.
package trace

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
)

// Status is a node's derived health, rolled up from its events.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Node is one reconstructed span: the composition of every event sharing a
// span_id, enriched with a display name, derived status, and type-specific
// attributes.
type Node struct {
	SpanID       uuid.UUID
	ParentSpanID *uuid.UUID
	Name         string
	Type         event.Type
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Orphan       bool
	Attributes   map[string]interface{}
	Signal       *event.SignalAttrs
	Children     []*Node

	events []event.Event
}

// Tree is the reconstructed forest for one trace_id — normally single-rooted,
// but diagnostics (Orphan, Malformed) surface the cases where the event log
// didn't cooperate.
type Tree struct {
	TraceID   uuid.UUID
	Roots     []*Node
	Malformed bool
}

// Reconstruct builds a Tree from the raw events of one trace. It is
// iterative throughout (index build, then two linear passes) so it handles
// traces with many thousands of spans without recursion.
func Reconstruct(traceID uuid.UUID, events []event.Event) (*Tree, error) {
	deduped := dedup(events)
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Timestamp.Before(deduped[j].Timestamp)
	})

	index := make(map[uuid.UUID]*Node, len(deduped))
	order := make([]uuid.UUID, 0, len(deduped))

	var traceEndCount int
	var lastTraceEnd *event.Event

	for i := range deduped {
		e := &deduped[i]

		if e.Type == event.TypeTraceEnd {
			traceEndCount++
			if lastTraceEnd == nil || e.Timestamp.After(lastTraceEnd.Timestamp) {
				lastTraceEnd = e
			}
		}

		node, ok := index[e.SpanID]
		if !ok {
			node = &Node{SpanID: e.SpanID, Attributes: map[string]interface{}{}}
			index[e.SpanID] = node
			order = append(order, e.SpanID)
		}
		node.events = append(node.events, *e)
		if e.ParentSpanID != nil {
			node.ParentSpanID = e.ParentSpanID
		}
		if node.StartTime.IsZero() || e.Timestamp.Before(node.StartTime) {
			node.StartTime = e.Timestamp
		}
		if e.Timestamp.After(node.EndTime) {
			node.EndTime = e.Timestamp
		}
	}

	malformed := traceEndCount > 1
	if lastTraceEnd != nil {
		// Drop every trace_end but the last from its node's event list so
		// annotation/status derivation don't see stale duplicates.
		keepLast(index[lastTraceEnd.SpanID], *lastTraceEnd)
	}

	for _, spanID := range order {
		annotate(index[spanID])
	}

	var roots []*Node
	for _, spanID := range order {
		node := index[spanID]
		if node.ParentSpanID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := index[*node.ParentSpanID]
		if !ok {
			node.Orphan = true
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	if !hasTraceStart(deduped) {
		roots = synthesizeRoot(deduped, roots)
	}

	return &Tree{TraceID: traceID, Roots: roots, Malformed: malformed}, nil
}

// dedup keeps, for every (span_id, event_type) pair, the event with the
// earliest timestamp — the tie-break spec.md mandates for replayed batches.
func dedup(events []event.Event) []event.Event {
	type key struct {
		span uuid.UUID
		typ  event.Type
	}
	best := make(map[key]event.Event, len(events))
	for _, e := range events {
		k := key{span: e.SpanID, typ: e.Type}
		existing, ok := best[k]
		if !ok || e.Timestamp.Before(existing.Timestamp) {
			best[k] = e
		}
	}
	out := make([]event.Event, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	return out
}

func hasTraceStart(events []event.Event) bool {
	for _, e := range events {
		if e.Type == event.TypeTraceStart {
			return true
		}
	}
	return false
}

// synthesizeRoot fabricates a virtual trace_start-like root at the earliest
// observed timestamp so the tree remains single-rooted, per spec.md's
// "no trace_start" edge case. It only folds existingRoots that aren't
// already flagged Orphan under the virtual root — a node is a root here
// either because it genuinely has no parent, or because its parent_span_id
// is dangling (B4's orphan case), and the two aren't the same condition:
// synthesizing a missing trace_start must not paper over a dangling parent.
// True orphans stay as their own root, siblings of the synthesized root
// rather than un-flagged children of it. If every existing root is already
// an orphan, there is nothing legitimate to fold and existingRoots is
// returned unchanged.
func synthesizeRoot(events []event.Event, existingRoots []*Node) []*Node {
	var toFold, orphans []*Node
	for _, r := range existingRoots {
		if r.Orphan {
			orphans = append(orphans, r)
		} else {
			toFold = append(toFold, r)
		}
	}
	if len(toFold) == 0 {
		return existingRoots
	}

	earliest := time.Now().UTC()
	for _, e := range events {
		if e.Timestamp.Before(earliest) {
			earliest = e.Timestamp
		}
	}
	virtual := &Node{
		Name:       "Trace",
		Type:       event.TypeTraceStart,
		Status:     StatusSuccess,
		StartTime:  earliest,
		EndTime:    earliest,
		Attributes: map[string]interface{}{"synthesized": true},
		Children:   toFold,
	}
	return append([]*Node{virtual}, orphans...)
}

func keepLast(node *Node, last event.Event) {
	if node == nil {
		return
	}
	filtered := node.events[:0]
	for _, e := range node.events {
		if e.Type != event.TypeTraceEnd || e.Timestamp.Equal(last.Timestamp) {
			filtered = append(filtered, e)
		}
	}
	node.events = filtered
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
