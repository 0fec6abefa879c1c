package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

func TestPoolReusesSessions(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool, err := NewPool(factory, 2)
	require.NoError(t, err)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Session()
	require.Equal(t, 1, pool.InUse())
	lease.Release()
	lease.Release()
	require.Zero(t, pool.InUse())

	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, first, lease.Session())
	lease.Release()
	require.EqualValues(t, 1, factory.created.Load())
}

func TestPoolBoundsConcurrentLeases(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(&fakeFactory{}, 2)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		current atomic.Int64
		peak    atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}
			defer lease.Release()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Zero(t, pool.InUse())
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(&fakeFactory{}, 1)
	require.NoError(t, err)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDiscardAndFactoryErrors(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool, err := NewPool(factory, 1)
	require.NoError(t, err)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	broken := lease.Session().(*fakeSession)
	lease.Discard()
	lease.Release()
	require.True(t, broken.closed.Load())

	factory.err = errors.New("browser crashed")
	_, err = pool.Acquire(context.Background())
	require.ErrorContains(t, err, "browser crashed")
	require.Zero(t, pool.InUse())

	factory.err = nil
	lease, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	pool, err := NewPool(factory, 2)
	require.NoError(t, err)
	idle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	idleSession := idle.Session().(*fakeSession)
	idle.Release()

	out, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	require.True(t, idleSession.closed.Load())
	require.True(t, factory.closed.Load())

	out.Release()
	require.True(t, out.Session().(*fakeSession).closed.Load())

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	_, err = NewPool(nil, 1)
	require.Error(t, err)
	_, err = NewPool(factory, 0)
	require.Error(t, err)
}

type fakeFactory struct {
	created atomic.Int64
	closed  atomic.Bool
	err     error
}

func (f *fakeFactory) NewSession(context.Context) (catalog.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created.Add(1)
	return &fakeSession{}, nil
}

func (f *fakeFactory) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Load(_ context.Context, url string) (catalog.Page, error) {
	return catalog.Page{RequestedURL: url, StatusCode: 200}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}
