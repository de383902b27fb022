package inference

import (
	"context"
	"log/slog"

	"github.com/signalzero/kernel/pkg/auth"
)

// RecoverInterrupted re-enters processing for every open session that still
// holds an active-message lock from a previous run. The original message ID
// is preserved so client correlation survives the restart; the user turn is
// already in history and is not re-recorded. Locks without a matching user
// turn are stale artifacts and are cleared.
//
// Runs before the scheduler starts so agent sessions are not contended.
func (p *Processor) RecoverInterrupted(ctx context.Context) error {
	sessions, err := p.sessions.InterruptedSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		messageID := *session.ActiveMessageID
		lastUser, err := p.sessions.LastUserTurn(ctx, session.ID)
		if err != nil {
			slog.Error("Recovery failed to read history", "session_id", session.ID, "error", err)
			continue
		}
		if lastUser == nil {
			slog.Info("Clearing stale session lock", "session_id", session.ID, "message_id", messageID)
			if err := p.sessions.ClearActiveMessage(ctx, session.ID); err != nil {
				slog.Error("Failed to clear stale lock", "session_id", session.ID, "error", err)
			}
			continue
		}
		slog.Info("Recovering interrupted turn", "session_id", session.ID, "message_id", messageID)
		sessionID := session.ID
		message := lastUser.Content
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.process(context.Background(), auth.Internal(), sessionID, message, messageID, false)
		}()
	}
	return nil
}
