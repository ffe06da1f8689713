package admission

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/overseer/internal/errs"
)

func TestCeiling(t *testing.T) {
	c := NewController(5, nil)

	for i := range 5 {
		require.True(t, c.CheckParallelAgents(), "before registering worker %d", i)
		_, err := c.RegisterAgent(fmt.Sprintf("w%d", i), "builder", "")
		require.NoError(t, err)
	}
	assert.False(t, c.CheckParallelAgents(), "at the ceiling")

	_, err := c.RegisterAgent("w5", "builder", "")
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)

	c.UnregisterAgent("w0")
	assert.True(t, c.CheckParallelAgents(), "after unregistering")
}

func TestRegisterIsIdempotent(t *testing.T) {
	c := NewController(5, nil)

	first, err := c.RegisterAgent("w1", "builder", "task_1")
	require.NoError(t, err)
	again, err := c.RegisterAgent("w1", "reviewer", "task_2")
	require.NoError(t, err)

	assert.Equal(t, 1, c.GetActiveAgentCount())
	assert.Equal(t, first, again, "re-register keeps the original record")
}

func TestRegisterAtCeilingKnownID(t *testing.T) {
	c := NewController(1, nil)
	_, err := c.RegisterAgent("w1", "builder", "")
	require.NoError(t, err)

	_, err = c.RegisterAgent("w1", "builder", "")
	assert.NoError(t, err, "re-register at ceiling")
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	c := NewController(0, nil)
	c.UnregisterAgent("ghost")

	assert.Zero(t, c.GetActiveAgentCount())
	assert.Equal(t, DefaultMaxParallel, c.Max())
}

func TestConcurrentRegisterRespectsCeiling(t *testing.T) {
	c := NewController(5, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.RegisterAgent(fmt.Sprintf("w%d", i), "x", ""); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, c.GetActiveAgentCount())
}

func TestListActiveAgentsAndSetMax(t *testing.T) {
	c := NewController(2, nil)
	_, _ = c.RegisterAgent("b", "x", "")
	_, _ = c.RegisterAgent("a", "x", "")

	require.Len(t, c.ListActiveAgents(), 2)

	c.SetMax(1)
	assert.False(t, c.CheckParallelAgents(), "lowered ceiling should refuse new workers")
	assert.Equal(t, 2, c.GetActiveAgentCount(), "lowering the ceiling must not evict workers")
}
