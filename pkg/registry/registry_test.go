package registry_test

import (
	"sync"
	"testing"

	"github.com/lightforgemedia/go-nuts/pkg/broker/ps"
	"github.com/lightforgemedia/go-nuts/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		r := registry.New()
		_, err := r.Get()
		assert.ErrorIs(t, err, registry.ErrNotConnected)
		assert.Zero(t, r.Generation())
	})

	t.Run("Set replaces", func(t *testing.T) {
		r := registry.New()
		a := ps.New(ps.Options{})
		b := ps.New(ps.Options{})

		assert.Nil(t, r.Set(a))
		snapshot, err := r.Get()
		require.NoError(t, err)

		prev := r.Set(b)
		assert.Same(t, a, prev)
		assert.Same(t, a, snapshot, "a snapshot outlives the replacement")

		cur, err := r.Get()
		require.NoError(t, err)
		assert.Same(t, b, cur)
		assert.Equal(t, uint64(2), r.Generation())
	})

	t.Run("Set nil clears", func(t *testing.T) {
		r := registry.New()
		a := ps.New(ps.Options{})
		r.Set(a)
		assert.Same(t, a, r.Set(nil))
		_, err := r.Get()
		assert.ErrorIs(t, err, registry.ErrNotConnected)
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		r := registry.New()
		a := ps.New(ps.Options{})
		b := ps.New(ps.Options{})
		c := ps.New(ps.Options{})
		r.Set(a)
		gen := r.Generation()

		prev, ok := r.CompareAndSet(gen, b)
		assert.True(t, ok)
		assert.Same(t, a, prev)

		_, ok = r.CompareAndSet(gen, c)
		assert.False(t, ok, "stale generation must not win")
		cur, _ := r.Get()
		assert.Same(t, b, cur)
	})

	t.Run("Concurrent readers and writers", func(t *testing.T) {
		r := registry.New()
		conns := []*ps.Conn{ps.New(ps.Options{}), ps.New(ps.Options{})}
		r.Set(conns[0])

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					r.Set(conns[(i+j)%2])
				}
			}(i)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					c, err := r.Get()
					assert.NoError(t, err)
					assert.NotNil(t, c)
				}
			}()
		}
		wg.Wait()
	})
}
