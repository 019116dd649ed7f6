package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

// Node hands out message ids that sort in generation order on one node.
type Node struct {
	mu    sync.Mutex
	time  int64
	node  int64
	step  int64
	epoch int64
	now   func() time.Time
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		node:  node,
		epoch: epoch,
		now:   time.Now,
	}, nil
}

// MustNode is NewNode for package-level defaults and tests.
func MustNode(node int64) *Node {
	n, err := NewNode(node)
	if err != nil {
		panic(err)
	}
	return n
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()

	if now < n.time {
		// Clock moved backwards; keep issuing from the last seen millisecond.
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ((now - n.epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time returns the millisecond an id was generated at.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}
