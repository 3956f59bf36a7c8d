package adcbridge

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOpenIsIdempotent(t *testing.T) {
	opens := 0
	ctx := &fakeContext{uri: "usb:1.2.5"}
	registry := NewContextRegistry(func(uri string) (Context, error) {
		opens++
		return ctx, nil
	})

	c1, err := registry.Open("usb:1.2.5")
	require.NoError(t, err)
	c2, err := registry.Open("usb:1.2.5")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, opens)
	assert.Equal(t, 2, registry.RefCount("usb:1.2.5"))
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, registry.Close(c1))
	assert.Equal(t, 1, registry.RefCount("usb:1.2.5"))
	assert.Equal(t, 0, ctx.Closes(), "closed while still referenced")
	require.NoError(t, registry.Close(c2))
	assert.Equal(t, 0, registry.RefCount("usb:1.2.5"))
	assert.Equal(t, 1, ctx.Closes())
	assert.Equal(t, 0, registry.Len())

	assert.Error(t, registry.Close(c1), "closing more often than opened")
	assert.Error(t, registry.Close(nil))

	// Reopening after the last close opens a fresh context.
	_, err = registry.Open("usb:1.2.5")
	require.NoError(t, err)
	assert.Equal(t, 2, opens)
}

// URIs that name the same device share its context.
func TestRegistryAliases(t *testing.T) {
	registry := NewContextRegistry(nil)
	c1, err := registry.Open("sim:unpaced,sine")
	require.NoError(t, err)
	c2, err := registry.Open("sim:sine,unpaced")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, "sim:sine,unpaced", c1.URI())
	assert.Equal(t, 2, registry.RefCount("sim:unpaced,sine"))
	assert.Equal(t, 2, registry.RefCount("sim:sine,unpaced"))
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, registry.Close(c1))
	require.NoError(t, registry.Close(c2))
	assert.True(t, c1.(*SimulatedContext).Closed())
	assert.Equal(t, 0, registry.RefCount("sim:unpaced,sine"))
}

func TestRegistryOpenErrors(t *testing.T) {
	registry := NewContextRegistry(nil)
	_, err := registry.Open("usb:1.2.5")
	assert.ErrorIs(t, err, ErrNoDriver)
	_, err = registry.Open("sim:bogus")
	assert.Error(t, err)
	assert.Equal(t, 0, registry.Len())

	driverErr := errors.New("permission denied")
	registry = NewContextRegistry(func(string) (Context, error) { return nil, driverErr })
	_, err = registry.Open("usb:1")
	assert.ErrorIs(t, err, driverErr)
	registry = NewContextRegistry(func(string) (Context, error) { return nil, nil })
	_, err = registry.Open("usb:1")
	assert.Error(t, err)
}

func TestRegistryCloseAll(t *testing.T) {
	registry := NewContextRegistry(nil)
	a, err := registry.Open("sim:")
	require.NoError(t, err)
	_, err = registry.Open("sim:")
	require.NoError(t, err)
	b, err := registry.Open("sim:sine")
	require.NoError(t, err)
	assert.Equal(t, 2, registry.Len())

	require.NoError(t, registry.CloseAll())
	assert.Equal(t, 0, registry.Len())
	assert.True(t, a.(*SimulatedContext).Closed())
	assert.True(t, b.(*SimulatedContext).Closed())
}

func TestRegistryConcurrentUse(t *testing.T) {
	registry := NewContextRegistry(nil)
	var wg sync.WaitGroup
	contexts := make([]Context, 20)
	for i := range contexts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := registry.Open("sim:unpaced")
			assert.NoError(t, err)
			contexts[i] = c
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, 20, registry.RefCount("sim:unpaced"))
	for _, c := range contexts {
		assert.Same(t, contexts[0], c)
	}

	for _, c := range contexts {
		wg.Add(1)
		go func(c Context) {
			defer wg.Done()
			assert.NoError(t, registry.Close(c))
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 0, registry.Len())
	assert.True(t, contexts[0].(*SimulatedContext).Closed())
}

// A driver that opens a second handle to a device already held has that handle
// closed, and a failure to close it is logged rather than returned.
func TestRegistryDuplicateCloseLogged(t *testing.T) {
	var logged bytes.Buffer
	saved := ProblemLogger
	ProblemLogger = log.New(&logged, "", 0)
	defer func() { ProblemLogger = saved }()

	first := &fakeContext{uri: "usb:1.2.5"}
	dup := &fakeContext{uri: "usb:1.2.5", closeErr: errors.New("device busy")}
	next := first
	registry := NewContextRegistry(func(string) (Context, error) {
		c := next
		next = dup
		return c, nil
	})

	c1, err := registry.Open("usb:1.2.5")
	require.NoError(t, err)
	c2, err := registry.Open("usb:1.2")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dup.Closes())
	assert.Equal(t, 0, first.Closes())
	assert.Equal(t, 2, registry.RefCount("usb:1.2"))
	assert.Contains(t, logged.String(), "device busy")
	assert.Contains(t, logged.String(), `"usb:1.2"`)
}
