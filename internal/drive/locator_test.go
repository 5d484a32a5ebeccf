package drive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/knowbot/internal/failure"
)

type fakeProvisioner struct {
	listCalls   atomic.Int32
	createCalls atomic.Int32
	existing    map[string]string
	// gates blocks List for a unionId until the channel is closed.
	gates map[string]chan struct{}
	err   error
}

func (f *fakeProvisioner) ListPersonalSpaces(ctx context.Context, unionID string) ([]string, error) {
	f.listCalls.Add(1)
	if gate, ok := f.gates[unionID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if id, ok := f.existing[unionID]; ok {
		return []string{id}, nil
	}
	return nil, nil
}

func (f *fakeProvisioner) CreatePersonalSpace(_ context.Context, unionID, name string) (string, error) {
	f.createCalls.Add(1)
	return "space-" + unionID, nil
}

func TestResolveSpaceUsesExistingSpaceAndCaches(t *testing.T) {
	t.Parallel()

	prov := &fakeProvisioner{existing: map[string]string{"union-1": "space-existing"}}
	cache := NewMemoryCache()
	l := NewLocator(nil, cache, prov, LocatorConfig{})

	for i := 0; i < 3; i++ {
		space, err := l.ResolveSpace(context.Background(), "union-1")
		require.NoError(t, err)
		assert.Equal(t, Space{UnionID: "union-1", SpaceID: "space-existing"}, space)
	}
	assert.Equal(t, int32(1), prov.listCalls.Load())
	assert.Zero(t, prov.createCalls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestResolveSpaceProvisionsWhenMissing(t *testing.T) {
	t.Parallel()

	prov := &fakeProvisioner{}
	l := NewLocator(nil, nil, prov, LocatorConfig{})

	space, err := l.ResolveSpace(context.Background(), "union-2")
	require.NoError(t, err)
	assert.Equal(t, "space-union-2", space.SpaceID)
	assert.Equal(t, int32(1), prov.createCalls.Load())
}

func TestResolveSpaceSingleProvisionUnderConcurrency(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	prov := &fakeProvisioner{gates: map[string]chan struct{}{"union-1": gate}}
	l := NewLocator(nil, NewMemoryCache(), prov, LocatorConfig{})

	const callers = 32
	var wg sync.WaitGroup
	results := make([]Space, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.ResolveSpace(context.Background(), "union-1")
		}(i)
	}
	// let the callers pile up on the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "space-union-1", results[i].SpaceID)
	}
	assert.Equal(t, int32(1), prov.createCalls.Load())
	assert.Equal(t, int32(1), prov.listCalls.Load())
}

func TestResolveSpaceDistinctMembersDoNotBlock(t *testing.T) {
	t.Parallel()

	slowGate := make(chan struct{})
	defer close(slowGate)
	prov := &fakeProvisioner{
		gates:    map[string]chan struct{}{"union-slow": slowGate},
		existing: map[string]string{"union-fast": "space-fast"},
	}
	l := NewLocator(nil, NewMemoryCache(), prov, LocatorConfig{})

	slowCtx, cancelSlow := context.WithCancel(context.Background())
	defer cancelSlow()
	go func() { _, _ = l.ResolveSpace(slowCtx, "union-slow") }()

	done := make(chan Space, 1)
	go func() {
		space, err := l.ResolveSpace(context.Background(), "union-fast")
		assert.NoError(t, err)
		done <- space
	}()

	select {
	case space := <-done:
		assert.Equal(t, "space-fast", space.SpaceID)
	case <-time.After(2 * time.Second):
		t.Fatal("resolution for an unrelated member was blocked")
	}
}

func TestResolveSpaceFixedOverride(t *testing.T) {
	t.Parallel()

	prov := &fakeProvisioner{}
	l := NewLocator(nil, nil, prov, LocatorConfig{FixedSpaceID: "shared-space"})

	space, err := l.ResolveSpace(context.Background(), "union-1")
	require.NoError(t, err)
	assert.Equal(t, "shared-space", space.SpaceID)
	assert.Zero(t, prov.listCalls.Load())
}

func TestResolveSpaceErrors(t *testing.T) {
	t.Parallel()

	prov := &fakeProvisioner{err: failure.New(failure.KindRateLimited, "list spaces", "429")}
	cache := NewMemoryCache()
	l := NewLocator(nil, cache, prov, LocatorConfig{})

	_, err := l.ResolveSpace(context.Background(), "union-1")
	assert.Equal(t, failure.KindRateLimited, failure.KindOf(err))
	assert.Zero(t, cache.Len())

	_, err = l.ResolveSpace(context.Background(), " ")
	assert.Equal(t, failure.KindProvisionFailed, failure.KindOf(err))
}

func TestResolveSpaceHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	prov := &fakeProvisioner{gates: map[string]chan struct{}{"union-1": gate}}
	l := NewLocator(nil, nil, prov, LocatorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.ResolveSpace(ctx, "union-1")
	assert.Equal(t, failure.KindDeadlineExceeded, failure.KindOf(err))
}

func TestResolveSpaceLookupEndsWithCallerDeadline(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	prov := &fakeProvisioner{
		gates:    map[string]chan struct{}{"union-1": gate},
		existing: map[string]string{"union-1": "space-existing"},
	}
	l := NewLocator(nil, nil, prov, LocatorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.ResolveSpace(ctx, "union-1")
	require.Error(t, err)

	// the timed-out lookup must not pin the key: the next call starts over
	close(gate)
	require.Eventually(t, func() bool {
		space, err := l.ResolveSpace(context.Background(), "union-1")
		return err == nil && space.SpaceID == "space-existing"
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, prov.listCalls.Load(), int32(2))
}
