package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantmesh/grantmesh/pkg/models"
)

func TestRegistry_Register(t *testing.T) {
	r := New()

	info, err := r.Register("technical-1", models.AgentTypeTechnical)
	require.NoError(t, err)
	assert.Equal(t, "technical-1", info.ID)
	assert.Equal(t, models.AgentTypeTechnical, info.Type)
	assert.Equal(t, models.AgentStatusActive, info.Status)
	assert.False(t, info.ConnectedAt.IsZero())
	assert.False(t, info.LastActivity.IsZero())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := New()

	_, err := r.Register("technical-1", models.AgentTypeTechnical)
	require.NoError(t, err)

	_, err = r.Register("technical-1", models.AgentTypeTechnical)
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := New()

	_, err := r.Register("intake-1", models.AgentTypeIntake)
	require.NoError(t, err)

	require.NoError(t, r.Unregister("intake-1"))
	assert.ErrorIs(t, r.Unregister("intake-1"), ErrAgentNotFound)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_GetByTypeRegistrationOrder(t *testing.T) {
	r := New()

	ids := []string{"budget-a", "budget-b", "budget-c"}
	for _, id := range ids {
		_, err := r.Register(id, models.AgentTypeBudget)
		require.NoError(t, err)
	}
	// An unrelated type should not appear.
	_, err := r.Register("impact-1", models.AgentTypeImpact)
	require.NoError(t, err)

	agents := r.GetByType(models.AgentTypeBudget)
	require.Len(t, agents, 3)
	for i, a := range agents {
		assert.Equal(t, ids[i], a.ID)
	}
}

func TestRegistry_GetByStatus(t *testing.T) {
	r := New()

	_, err := r.Register("a", models.AgentTypeTechnical)
	require.NoError(t, err)
	_, err = r.Register("b", models.AgentTypeTechnical)
	require.NoError(t, err)

	require.NoError(t, r.SetStatus("b", models.AgentStatusBusy))

	active := r.GetByStatus(models.AgentStatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	busy := r.GetByStatus(models.AgentStatusBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, "b", busy[0].ID)
}

func TestRegistry_UpdateActivity(t *testing.T) {
	r := New()

	info, err := r.Register("a", models.AgentTypeCommunity)
	require.NoError(t, err)

	require.NoError(t, r.UpdateActivity("a"))

	updated, err := r.Get("a")
	require.NoError(t, err)
	assert.False(t, updated.LastActivity.Before(info.LastActivity))

	assert.ErrorIs(t, r.UpdateActivity("missing"), ErrAgentNotFound)
}

func TestRegistry_ActiveByType(t *testing.T) {
	r := New()

	assert.False(t, r.ActiveByType(models.AgentTypeExecutor))

	_, err := r.Register("executor-1", models.AgentTypeExecutor)
	require.NoError(t, err)
	assert.True(t, r.ActiveByType(models.AgentTypeExecutor))

	require.NoError(t, r.SetStatus("executor-1", models.AgentStatusInactive))
	assert.False(t, r.ActiveByType(models.AgentTypeExecutor))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New()

	_, err := r.Register("a", models.AgentTypeIntake)
	require.NoError(t, err)

	got, err := r.Get("a")
	require.NoError(t, err)
	got.Status = models.AgentStatusInactive

	again, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, again.Status)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := fmt.Sprintf("agent-%d", i)
		go func() {
			defer wg.Done()
			_, _ = r.Register(id, models.AgentTypeTechnical)
		}()
		go func() {
			defer wg.Done()
			_ = r.GetByType(models.AgentTypeTechnical)
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, r.Count())
}
