package scheduling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
	"github.com/flotillaproject/flotilla/internal/flotilla/leader"
)

func TestSchedulerRunsAdmissionPassOnLeader(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1", "llama-7b", "")
		scheduler := NewScheduler(currentLeader(), f.pools, f.leases, f.engine)

		scheduler.Tick(context.Background())

		// demand sync requested a pool and the same pass granted it
		pool, err := f.pools.GetLiveByKind(domain.Kind{ModelId: "llama-7b"})
		require.NoError(t, err)
		assert.Equal(t, domain.PoolProvisioning, pool.State)
		assert.NotEmpty(t, pool.LeaseId)

		decisions := scheduler.LastDecisions()
		require.Len(t, decisions, 1)
		assert.True(t, decisions[0].Granted)
		require.Len(t, f.provisioner.pools, 1)
	})
}

func TestSchedulerStandbyDoesNothing(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1", "llama-7b", "")
		scheduler := NewScheduler(standby(), f.pools, f.leases, f.engine)

		scheduler.Tick(context.Background())

		live, err := f.pools.ListLive()
		require.NoError(t, err)
		assert.Empty(t, live)
		assert.Empty(t, scheduler.LastDecisions())
	})
}

func TestSchedulerAbandonsPassWhenLeadershipIsLost(t *testing.T) {
	withFixture(func(f *fixture) {
		f.pendingJob("j1", "llama-7b", "")
		controller := currentLeader()
		controller.valid = false
		scheduler := NewScheduler(controller, f.pools, f.leases, f.engine)

		scheduler.Tick(context.Background())

		// demand sync ran, but no grants were made under the stale token
		pool, err := f.pools.GetLiveByKind(domain.Kind{ModelId: "llama-7b"})
		require.NoError(t, err)
		assert.Equal(t, domain.PoolRequested, pool.State)
		assert.Empty(t, pool.LeaseId)
		assert.Empty(t, scheduler.LastDecisions())
		assert.Empty(t, f.provisioner.pools)
	})
}

// fakeController hands out a fixed token so tests can pin leadership without
// running an election loop.
type fakeController struct {
	token leader.LeaderToken
	valid bool
}

func currentLeader() *fakeController {
	return &fakeController{token: leader.NewLeaderToken(), valid: true}
}

func standby() *fakeController {
	return &fakeController{token: leader.InvalidLeaderToken()}
}

func (c *fakeController) GetToken() leader.LeaderToken { return c.token }

func (c *fakeController) ValidateToken(tok leader.LeaderToken) bool { return c.valid }

func (c *fakeController) Run(ctx context.Context) error { return nil }

func (c *fakeController) GetLeaderReport() leader.LeaderReport {
	return leader.LeaderReport{IsCurrentProcessLeader: c.token.IsLeader()}
}
