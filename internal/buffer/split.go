package buffer

import (
	"github.com/google/uuid"

	"github.com/perceptr/perceptr-go/internal/model"
)

// SevenMegabytes is the hard per-upload cap, kept under typical endpoint
// request limits.
const SevenMegabytes = 7 << 20

// SplitBatch recursively halves a batch whose estimated size meets or exceeds
// the cap until every piece is under it or holds a single event. Pieces
// inherit the parent's session and time bounds; pieces after the first receive
// fresh batch ids so the server can deduplicate each upload independently.
func SplitBatch(b *model.Batch) []*model.Batch {
	if b.Size < SevenMegabytes || len(b.Data) < 2 {
		return []*model.Batch{b}
	}

	mid := len(b.Data) / 2
	left := withSlice(b, b.Data[:mid], b.BatchID)
	right := withSlice(b, b.Data[mid:], uuid.NewString())

	out := SplitBatch(left)
	return append(out, SplitBatch(right)...)
}

// withSlice builds a piece of parent covering the given event slice, with the
// size re-estimated from the slice itself.
func withSlice(parent *model.Batch, data model.EventList, batchID string) *model.Batch {
	piece := *parent
	piece.BatchID = batchID
	piece.Data = data
	piece.Size = model.EstimateSize(data)
	piece.Metadata.EventCount = len(data)
	return &piece
}
