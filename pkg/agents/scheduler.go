package agents

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/services"
)

const (
	tickInterval  = time.Second
	sweepInterval = time.Hour
)

// Scheduler evaluates every enabled agent's cron expression once per tick
// and executes the agents that came due since the previous tick. The
// per-agent guard in the service drops overlapping runs.
type Scheduler struct {
	service *Service

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates the scheduler around an agent service.
func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{
		service: service,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the tick loop and the hourly test-session sweep. Call after
// startup recovery so recovery is not contending for agent sessions.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.run()
	go s.sweep()
	slog.Info("Agent scheduler started", "tick_interval", tickInterval)
}

// Stop signals shutdown and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Agent scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	last := s.service.now()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(last, now)
			last = now
		}
	}
}

// tick executes every enabled agent whose schedule fired in (last, now].
func (s *Scheduler) tick(last, now time.Time) {
	ctx := context.Background()
	agents, err := s.service.List(ctx, auth.Internal())
	if err != nil {
		slog.Error("Scheduler failed to list agents", "error", err)
		return
	}
	for _, agent := range agents {
		if !agent.Enabled || agent.Schedule == "" {
			continue
		}
		schedule, err := cron.ParseStandard(agent.Schedule)
		if err != nil {
			slog.Warn("Agent has invalid schedule", "agent_id", agent.ID, "schedule", agent.Schedule)
			continue
		}
		if schedule.Next(last).After(now) {
			continue
		}
		agentID := agent.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, err := s.service.Execute(context.Background(), auth.Internal(), agentID, "")
			switch {
			case errors.Is(err, services.ErrAlreadyRunning):
				slog.Info("Agent tick dropped, execution in flight", "agent_id", agentID)
			case err != nil:
				slog.Error("Agent execution failed", "agent_id", agentID, "error", err)
			}
		}()
	}
}

// sweep closes stale test-origin sessions once per hour.
func (s *Scheduler) sweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			closed, err := s.service.sessions.CleanupTestSessions(context.Background())
			if err != nil {
				slog.Error("Test session sweep failed", "error", err)
				continue
			}
			if closed > 0 {
				slog.Info("Closed stale test sessions", "count", closed)
			}
		}
	}
}
