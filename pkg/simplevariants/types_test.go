package simplevariants_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

func TestSizeSet(t *testing.T) {
	a := simplevariants.NewSizeSet(100, 200, 300)
	b := simplevariants.NewSizeSet(200, 400)

	assert.Equal(t, sizes(100, 300), a.Difference(b).Sorted())
	assert.Equal(t, sizes(400), b.Difference(a).Sorted())
	assert.Equal(t, sizes(200), a.Intersect(b).Sorted())
	assert.True(t, a.Equal(simplevariants.NewSizeSet(300, 200, 100)))
	assert.False(t, a.Equal(b))

	var empty simplevariants.SizeSet
	assert.Empty(t, empty.Difference(a).Sorted())
	assert.Equal(t, a.Sorted(), a.Difference(empty).Sorted())
	assert.False(t, empty.Has(100))

	clone := a.Clone()
	clone.Add(500)
	assert.False(t, a.Has(500))
}

func TestEntitlementEqual(t *testing.T) {
	base := simplevariants.Entitlement{SizeClasses: simplevariants.NewSizeSet(100), AllowOriginal: true}
	assert.True(t, base.Equal(base.Clone()))

	flagged := base.Clone()
	flagged.AllowExpiringLink = true
	assert.False(t, base.Equal(flagged))

	assert.True(t, simplevariants.EmptyEntitlement().Equal(simplevariants.Entitlement{}))
}

func TestSizeClassName(t *testing.T) {
	assert.Equal(t, "thumbnail_200", simplevariants.SizeClass(200).Name())
	assert.False(t, simplevariants.SizeClass(0).Valid())
}

func TestParseDowngradePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    simplevariants.DowngradePolicy
		wantErr bool
	}{
		{"", simplevariants.DowngradeKeep, false},
		{"keep", simplevariants.DowngradeKeep, false},
		{"remove", simplevariants.DowngradeRemove, false},
		{"purge", simplevariants.DowngradeKeep, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := simplevariants.ParseDowngradePolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, simplevariants.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.in != "" {
				assert.Equal(t, tt.in, got.String())
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	id := uuid.New()
	err := &simplevariants.ImageError{ImageID: id, Op: "get", Err: simplevariants.ErrNotFound}
	assert.ErrorIs(t, err, simplevariants.ErrNotFound)
	assert.Contains(t, err.Error(), id.String())

	cause := errors.New("disk full")
	gen := &simplevariants.GenerationError{ImageID: id, SizeClass: 100, Kind: simplevariants.ErrTerminalFailure, Err: cause}
	assert.True(t, simplevariants.IsTerminal(gen))
	assert.ErrorIs(t, gen, cause)

	gen.Kind = simplevariants.ErrTransientFailure
	assert.False(t, simplevariants.IsTerminal(gen))
	assert.ErrorIs(t, gen, simplevariants.ErrTransientFailure)
}

func TestMemoryKeyLocker(t *testing.T) {
	locker := simplevariants.NewMemoryKeyLocker()

	t.Run("serializes one key", func(t *testing.T) {
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(context.Background(), "variant:x:100")
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		unlockA, err := locker.Lock(context.Background(), "a")
		require.NoError(t, err)
		defer unlockA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unlockB, err := locker.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("honours context", func(t *testing.T) {
		unlock, err := locker.Lock(context.Background(), "held")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(ctx, "held")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		again, err := locker.Lock(context.Background(), "held")
		require.NoError(t, err)
		again()
	})
}
