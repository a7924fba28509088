package audio

import "slices"

// BlockQueue is an ordered run of blocks with a running frame total.
// It is not safe for concurrent use.
type BlockQueue struct {
	blocks []*Block
	frames int
}

// Append adds b at the back of the queue.
func (q *BlockQueue) Append(b *Block) {
	q.blocks = append(q.blocks, b)
	q.frames += b.Frames()
}

// Frames returns the total number of frames held.
func (q *BlockQueue) Frames() int {
	return q.frames
}

// Len returns the number of blocks held.
func (q *BlockQueue) Len() int {
	return len(q.blocks)
}

// Blocks returns the queued blocks, oldest first.
func (q *BlockQueue) Blocks() []*Block {
	return slices.Clone(q.blocks)
}

// Clear removes and returns every block, oldest first.
func (q *BlockQueue) Clear() []*Block {
	out := q.blocks
	q.blocks = nil
	q.frames = 0
	return out
}

// ClipFront removes whole blocks from the front until at most n frames
// remain. Removed blocks are returned oldest first.
func (q *BlockQueue) ClipFront(n int) []*Block {
	var i int
	for i < len(q.blocks) && q.frames > n {
		q.frames -= q.blocks[i].Frames()
		i++
	}
	removed := slices.Clone(q.blocks[:i])
	clear(q.blocks[:i])
	q.blocks = q.blocks[i:]
	return removed
}

// ClipBack removes whole blocks from the back until at most n frames
// remain. Removed blocks are returned newest first.
func (q *BlockQueue) ClipBack(n int) []*Block {
	var removed []*Block
	for len(q.blocks) > 0 && q.frames > n {
		last := len(q.blocks) - 1
		b := q.blocks[last]
		q.blocks[last] = nil
		q.blocks = q.blocks[:last]
		q.frames -= b.Frames()
		removed = append(removed, b)
	}
	return removed
}
