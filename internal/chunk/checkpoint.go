package chunk

import (
	"github.com/jittakal/flightrec/internal/repository"
	"github.com/jittakal/flightrec/internal/wire"
	"github.com/jittakal/flightrec/pkg/event"
)

// Checkpoint type mask bits.
const (
	CheckpointFlush   byte = 1 << 0
	CheckpointThreads byte = 1 << 1
)

// checkpoint accumulates the pools of one checkpoint event.
type checkpoint struct {
	pools wire.Encoder
	count int
}

var _ repository.CheckpointWriter = (*checkpoint)(nil)

func (c *checkpoint) reset() {
	c.pools.Reset()
	c.count = 0
}

// AddPool appends [pool type id][count][entries].
func (c *checkpoint) AddPool(typeID event.TypeID, count int, entries []byte) {
	c.pools.Ulong(uint64(typeID))
	c.pools.Ulong(uint64(count))
	c.pools.Raw(entries)
	c.count++
}
