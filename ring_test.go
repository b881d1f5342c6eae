package dmaserial

import (
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_FIFO(t *testing.T) {
	r := NewRing[int](4)
	require.True(t, r.Empty())
	require.Equal(t, 4, r.Cap())

	for i := 1; i <= 3; i++ {
		require.True(t, r.Put(i))
	}
	require.Equal(t, 3, r.OnBuff())
	require.Equal(t, 1, r.Free())

	for i := 1; i <= 3; i++ {
		v, ok := r.Get()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.Get()
	require.False(t, ok)
	require.Zero(t, r.Errors())
}

func TestRing_FullRejectsWithoutOverwrite(t *testing.T) {
	r := NewRing[byte](3)
	for _, c := range []byte("abc") {
		require.True(t, r.Put(c))
	}
	require.True(t, r.Full())
	require.Equal(t, 100, r.PercentFull())

	require.False(t, r.Put('d'))
	require.Equal(t, RingOverflow, r.Errors())

	got := make([]byte, 0, 3)
	for {
		c, ok := r.Get()
		if !ok {
			break
		}
		got = append(got, c)
	}
	require.Equal(t, "abc", string(got))

	r.ClearErrors()
	require.Zero(t, r.Errors())
}

func TestRing_AllocationFailure(t *testing.T) {
	for _, capacity := range []int{0, -1, AbsoluteMaxBufferSize + 1} {
		r := NewRing[int](capacity)
		require.Equal(t, RingAllocFailed, r.Errors(), "capacity %d", capacity)
		require.False(t, r.Put(1))
		_, ok := r.Get()
		require.False(t, ok)
		require.Zero(t, r.OnBuff())
		require.False(t, r.Full())
		require.Zero(t, r.Level())

		r.ClearErrors()
		require.Equal(t, RingAllocFailed, r.Errors(), "allocation failure must stay latched")
	}
}

func TestRing_MaxCapacityAllocates(t *testing.T) {
	r := NewRing[byte](AbsoluteMaxBufferSize)
	require.Zero(t, r.Errors())
	require.Equal(t, AbsoluteMaxBufferSize, r.Cap())
}

func TestRing_LevelAndPercent(t *testing.T) {
	r := NewRing[int](10)
	for i := 0; i < 5; i++ {
		r.Put(i)
	}
	require.Equal(t, 50, r.PercentFull())
	require.InDelta(t, 0.5, r.Level(), 1e-9)
}

// Random put/get sequences must match a slice model exactly.
func TestRing_MatchesQueueModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		capacity := 1 + rng.Intn(16)
		r := NewRing[int](capacity)
		var model []int
		next := 0

		for step := 0; step < 500; step++ {
			if rng.Intn(2) == 0 {
				ok := r.Put(next)
				if len(model) < capacity {
					require.True(t, ok)
					model = append(model, next)
				} else {
					require.False(t, ok)
					require.Equal(t, RingOverflow, r.Errors()&RingOverflow)
				}
				next++
			} else {
				v, ok := r.Get()
				if len(model) == 0 {
					require.False(t, ok)
				} else {
					require.True(t, ok)
					require.Equal(t, model[0], v)
					model = model[1:]
				}
			}
			require.Equal(t, len(model), r.OnBuff())
			require.Equal(t, len(model) == 0, r.Empty())
			require.Equal(t, len(model) == capacity, r.Full())
		}
	}
}

func TestRing_ConcurrentSPSC(t *testing.T) {
	const total = 100000
	r := NewRing[uint32](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); i < total; {
			if r.Put(i) {
				i++
				continue
			}
			runtime.Gosched()
		}
	}()

	for want := uint32(0); want < total; {
		v, ok := r.Get()
		if !ok {
			runtime.Gosched()
			continue
		}
		if v != want {
			t.Fatalf("out of order: got %d, want %d", v, want)
		}
		want++
	}
	wg.Wait()
	require.True(t, r.Empty())
}

func BenchmarkRing_PutGet(b *testing.B) {
	r := NewRing[byte](600)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Put(byte(i))
		r.Get()
	}
}
