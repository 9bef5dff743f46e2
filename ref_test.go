package realtime

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefGeneratorSequence(t *testing.T) {
	var g refGenerator

	assert.Equal(t, "1", g.next())
	assert.Equal(t, "2", g.next())
	assert.Equal(t, "3", g.next())
}

func TestRefGeneratorWraps(t *testing.T) {
	var g refGenerator
	g.n.Store(math.MaxUint64 - 1)

	assert.Equal(t, "18446744073709551615", g.next())
	assert.Equal(t, "1", g.next())
	assert.Equal(t, "2", g.next())
}

func TestRefGeneratorConcurrentUnique(t *testing.T) {
	var g refGenerator
	const goroutines, perGoroutine = 16, 500

	var mu sync.Mutex
	seen := make(map[string]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs := make([]string, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				refs = append(refs, g.next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ref := range refs {
				seen[ref] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
