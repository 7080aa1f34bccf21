package id

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC

	// Width of the decimal form. Fixed width keeps lexical order equal to
	// numeric order, which the priority ready set relies on for ties.
	width = 19
)

var ErrNodeRange = errors.New("node ID out of range")

// Node generates time-ordered Snowflake message ids.
type Node struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	now       func() time.Time
}

// NewNode creates a new Snowflake node
func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, fmt.Errorf("%w: %d", ErrNodeRange, nodeID)
	}
	return &Node{nodeID: nodeID, now: time.Now}, nil
}

// NodeIDFor maps an arbitrary worker name onto the node id space.
func NodeIDFor(worker string) int64 {
	h := fnv.New32a()
	h.Write([]byte(worker))
	return int64(h.Sum32() % (nodeMax + 1))
}

// Generate creates a unique ID
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()
	if now < n.timestamp {
		// Clock regressed; keep issuing from the last seen millisecond.
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			// Sequence exhausted for this millisecond, wait for next
			for now <= n.timestamp {
				now = n.now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.timestamp = now
	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}

// Next returns the next id in its zero-padded decimal form.
func (n *Node) Next() string {
	return fmt.Sprintf("%0*d", width, n.Generate())
}
