package utilities

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// IDGenerator hands out snowflake ids from a single node. A snowflake node
// must be shared: two nodes with the same id in one process can collide.
type IDGenerator struct {
	once sync.Once
	node *snowflake.Node
	id   int64
	err  error
}

// NewIDGenerator returns a generator for nodeID (0..1023).
func NewIDGenerator(nodeID int64) *IDGenerator {
	return &IDGenerator{id: nodeID}
}

// Err reports whether the snowflake node could be created.
func (g *IDGenerator) Err() error {
	g.init()
	return g.err
}

func (g *IDGenerator) init() {
	g.once.Do(func() {
		node, err := snowflake.NewNode(g.id)
		if err != nil {
			g.err = fmt.Errorf("snowflake node %d: %w", g.id, err)
			return
		}
		g.node = node
	})
}

// NewID returns a snowflake id string, or a KSUID when the node is unusable.
func (g *IDGenerator) NewID() string {
	g.init()
	if g.node == nil {
		return NewKSUID()
	}
	return g.node.Generate().String()
}
