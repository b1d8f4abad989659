package scheduler

import (
	"sort"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/checkpoint"
)

// Action is the per-blob scheduling decision.
type Action string

const (
	Dispatch          Action = "dispatch"
	SkipOutsideUnique Action = "outside_unique"
	SkipCheckpointed  Action = "checkpointed"
	SkipOversized     Action = "oversized"
	SkipBailedOut     Action = "bailed_out"
	Failed            Action = "failed"
)

// Plan is the ordered visit of a partition.
type Plan struct {
	// Order lists every blob id, largest pixel count first.
	Order []int
	// Actions is indexed by blob id.
	Actions []Action
}

// Dispatched returns the ids planned for dispatch, in visit order.
func (p Plan) Dispatched() []int {
	var out []int
	for _, id := range p.Order {
		if p.Actions[id] == Dispatch {
			out = append(out, id)
		}
	}
	return out
}

// Count returns how many blobs carry action.
func (p Plan) Count(action Action) int {
	n := 0
	for _, a := range p.Actions {
		if a == action {
			n++
		}
	}
	return n
}

// Order sorts blob ids by descending pixel count; equal sizes keep id order.
func Order(part *blobs.Partition) []int {
	order := make([]int, part.Len())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return part.Blobs[order[i]].NPix > part.Blobs[order[j]].NPix
	})
	return order
}

// MakePlan decides every blob's action. Skip reasons are checked in priority
// order: outside the unique area, already checkpointed, oversized, bailed
// out. records must already be validated against part.
func MakePlan(part *blobs.Partition, records []checkpoint.Record, opts Options) Plan {
	done := make(map[int]bool, len(records))
	for _, rec := range records {
		done[rec.BlobID] = true
	}
	unique := opts.Unique
	if unique == nil {
		unique = brick.Everywhere{}
	}
	plan := Plan{Order: Order(part), Actions: make([]Action, part.Len())}
	for _, id := range plan.Order {
		blob := part.Blobs[id]
		switch {
		case !blob.Touches(unique.Contains):
			plan.Actions[id] = SkipOutsideUnique
		case done[id]:
			plan.Actions[id] = SkipCheckpointed
		case opts.MaxBlobsize > 0 && blob.NPix > opts.MaxBlobsize:
			plan.Actions[id] = SkipOversized
		case opts.BailOut:
			plan.Actions[id] = SkipBailedOut
		default:
			plan.Actions[id] = Dispatch
		}
	}
	return plan
}
