package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScanner struct {
	ids []uint32
	err error
}

func (s *stubScanner) FetchFreePackageIDs(ctx context.Context) ([]uint32, error) {
	return s.ids, s.err
}

func TestCacheEmptyBeforeFirstScan(t *testing.T) {
	c := NewCache(&stubScanner{}, 0, 0)
	assert.Empty(t, c.FreePackages())
}

func TestCacheRefreshReplacesSet(t *testing.T) {
	scanner := &stubScanner{ids: []uint32{200, 100, 200}}
	c := NewCache(scanner, 0, 0)

	c.refresh(context.Background())
	assert.Equal(t, []uint32{100, 200}, c.FreePackages(), "sorted and deduped")

	scanner.ids = []uint32{377073}
	c.refresh(context.Background())
	assert.Equal(t, []uint32{377073}, c.FreePackages(), "old set replaced wholesale")
}

func TestCacheKeepsPreviousOnError(t *testing.T) {
	scanner := &stubScanner{ids: []uint32{100}}
	c := NewCache(scanner, 0, 0)
	c.refresh(context.Background())
	require.Equal(t, []uint32{100}, c.FreePackages())

	scanner.ids = nil
	scanner.err = errors.New("steam is down")
	c.refresh(context.Background())
	assert.Equal(t, []uint32{100}, c.FreePackages(), "error keeps previous cache")

	scanner.err = nil
	c.refresh(context.Background())
	assert.Equal(t, []uint32{100}, c.FreePackages(), "empty scan keeps previous cache")
}

func TestCacheRunHonoursStartupDelay(t *testing.T) {
	scanner := &stubScanner{ids: []uint32{100}}
	c := NewCache(scanner, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Empty(t, c.FreePackages(), "no scan before the startup delay")
	require.Eventually(t, func() bool {
		return len(c.FreePackages()) == 1
	}, 2*time.Second, 5*time.Millisecond, "first scan after startup delay")
}

func TestCacheRunStopsOnCancel(t *testing.T) {
	c := NewCache(&stubScanner{}, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
