package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New[string](nil)

	var mu sync.Mutex
	var order []string
	record := func(name string, d time.Duration) Operation[string] {
		return func(ctx context.Context) (string, error) {
			time.Sleep(d)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	a := q.Enqueue(record("A", 50*time.Millisecond))
	b := q.Enqueue(record("B", 0))
	c := q.Enqueue(record("C", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var settled []string
	for _, o := range []*Outcome[string]{a, b, c} {
		v, err := o.Wait(ctx)
		require.NoError(t, err)
		settled = append(settled, v)
	}
	assert.Equal(t, []string{"A", "B", "C"}, settled)
	mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
	mu.Unlock()
}

func TestQueue_FailureDoesNotBlock(t *testing.T) {
	q := New[int](nil)
	boom := errors.New("boom")

	a := q.Enqueue(func(ctx context.Context) (int, error) { return 0, boom })
	b := q.Enqueue(func(ctx context.Context) (int, error) { return 2, nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := a.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	v, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestQueue_PanicBecomesRejection(t *testing.T) {
	q := New[int](nil)
	a := q.Enqueue(func(ctx context.Context) (int, error) { panic("kaboom") })
	b := q.Enqueue(func(ctx context.Context) (int, error) { return 7, nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := a.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	v, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueue_SingleDrainUnderReentrantEnqueue(t *testing.T) {
	q := New[int](nil)

	var running, peak int32
	op := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return int(n), nil
	}

	var inner []*Outcome[int]
	var innerMu sync.Mutex
	first := q.Enqueue(func(ctx context.Context) (int, error) {
		for i := 0; i < 5; i++ {
			o := q.Enqueue(op)
			innerMu.Lock()
			inner = append(inner, o)
			innerMu.Unlock()
		}
		return op(ctx)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(op)
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := first.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Wait(ctx))

	innerMu.Lock()
	for _, o := range inner {
		select {
		case <-o.Done():
		default:
			t.Fatal("inner outcome not settled after queue idle")
		}
	}
	innerMu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_WaitIdle(t *testing.T) {
	q := New[int](nil)
	require.NoError(t, q.Wait(context.Background()))

	release := make(chan struct{})
	q.Enqueue(func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(short), context.DeadlineExceeded)

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, q.Wait(ctx))
}

func TestResolvedRejected(t *testing.T) {
	v, err := Resolved(3).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = Rejected[int](errors.New("x")).Wait(context.Background())
	assert.EqualError(t, err, "x")
}
