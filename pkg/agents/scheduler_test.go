package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/models"
)

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()

	t.Run("due agent is executed", func(t *testing.T) {
		s, _ := newTestService(t, "done")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{
			ID:       "a1",
			Prompt:   "p",
			Schedule: "* * * * *",
			Enabled:  true,
		})
		require.NoError(t, err)

		sched := NewScheduler(s)
		// A minute boundary sits inside (last, now].
		now := time.Date(2026, 3, 1, 12, 5, 0, 500*1e6, time.UTC)
		sched.tick(now.Add(-2*time.Second), now)
		sched.wg.Wait()

		agent, err := s.Get(ctx, adminCtx(), "a1")
		require.NoError(t, err)
		require.NotNil(t, agent.LastRunAt)
		assert.Equal(t, string(models.ExecutionCompleted), agent.LastStatus)
	})

	t.Run("not yet due agent is skipped", func(t *testing.T) {
		s, _ := newTestService(t, "done")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{
			ID:       "a1",
			Prompt:   "p",
			Schedule: "* * * * *",
			Enabled:  true,
		})
		require.NoError(t, err)

		sched := NewScheduler(s)
		// No minute boundary between last and now.
		now := time.Date(2026, 3, 1, 12, 5, 30, 0, time.UTC)
		sched.tick(now.Add(-2*time.Second), now)
		sched.wg.Wait()

		agent, err := s.Get(ctx, adminCtx(), "a1")
		require.NoError(t, err)
		assert.Nil(t, agent.LastRunAt)
	})

	t.Run("disabled agent is skipped", func(t *testing.T) {
		s, _ := newTestService(t, "done")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{
			ID:       "a1",
			Prompt:   "p",
			Schedule: "* * * * *",
			Enabled:  false,
		})
		require.NoError(t, err)

		sched := NewScheduler(s)
		now := time.Date(2026, 3, 1, 12, 5, 0, 500*1e6, time.UTC)
		sched.tick(now.Add(-2*time.Second), now)
		sched.wg.Wait()

		agent, err := s.Get(ctx, adminCtx(), "a1")
		require.NoError(t, err)
		assert.Nil(t, agent.LastRunAt)
	})
}

func TestSchedulerStartStop(t *testing.T) {
	s, _ := newTestService(t, "done")
	sched := NewScheduler(s)
	sched.Start()
	sched.Stop()
	// Stop is idempotent.
	sched.Stop()
}
