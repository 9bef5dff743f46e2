package realtime

import (
	"strconv"
	"sync/atomic"
)

// refGenerator hands out the socket-wide message references.
type refGenerator struct {
	n atomic.Uint64
}

// next returns the next reference. Zero is skipped so a wrapped counter
// restarts at "1".
func (g *refGenerator) next() string {
	v := g.n.Add(1)
	if v == 0 {
		v = g.n.Add(1)
	}
	return strconv.FormatUint(v, 10)
}
