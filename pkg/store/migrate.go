package store

import (
	"context"
	"fmt"
	"log/slog"
)

// CopyStats summarises a Copy run.
type CopyStats struct {
	Sessions int
	Messages int
}

// Copy writes every message of src into dst with ids, timestamps and read
// flags unchanged. Messages dst already holds are skipped by the importer,
// so an interrupted copy can be rerun.
func Copy(ctx context.Context, src MessageStore, dst Importer) (CopyStats, error) {
	var stats CopyStats
	convs, err := src.ListConversations(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing conversations: %w", err)
	}
	for _, c := range convs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		msgs, err := src.List(ctx, c.SessionID, ListOptions{})
		if err != nil {
			return stats, fmt.Errorf("listing session %s: %w", c.SessionID, err)
		}
		for _, m := range msgs {
			if err := dst.Import(ctx, m); err != nil {
				return stats, fmt.Errorf("importing message %d: %w", m.ID, err)
			}
		}
		stats.Sessions++
		stats.Messages += len(msgs)
		slog.DebugContext(ctx, "session copied", "session_id", c.SessionID, "messages", len(msgs))
	}
	return stats, nil
}
