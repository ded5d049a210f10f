package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wakulink/go-backend/internal/transport"
)

const (
	sourceRemote = "remote"
	sourceLocal  = "local"
)

// DispatchQuery pages through remote history and dispatches every message in the order the
// transport returns it. live selects whether deliveries count as live (persisted, FromStore
// false) or as replay. It returns the number of messages handed to the router.
func (d *Dispatcher) DispatchQuery(ctx context.Context, q transport.HistoryQuery, live bool) (int, error) {
	if q.PageSize <= 0 {
		q.PageSize = d.cfg.HistoryPageSize
	}
	cursor, err := d.transport.QueryHistory(ctx, d.topic, q)
	if err != nil {
		return 0, fmt.Errorf("query history: %w", err)
	}
	total := 0
	defer func() {
		if err := cursor.Close(); err != nil {
			d.logger.Debug("close history cursor failed", "operation", "replay", "error", err.Error())
		}
		d.metrics.Replayed(sourceRemote, total)
	}()
	for {
		page, err := cursor.Next(ctx)
		if err != nil {
			return total, fmt.Errorf("history page: %w", err)
		}
		for _, msg := range page.Messages {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			d.Dispatch(ctx, msg, !live)
			total++
		}
		if page.Complete {
			return total, nil
		}
	}
}

// DispatchLocalQuery replays the local store oldest first, then catches up from remote
// history starting at the newest stored timestamp.
func (d *Dispatcher) DispatchLocalQuery(ctx context.Context) (int, error) {
	log := d.logger.With("operation", "local_replay")
	var newest time.Time
	local := 0
	if d.store != nil {
		records, err := d.store.All(ctx)
		if err != nil {
			return 0, fmt.Errorf("load stored messages: %w", err)
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Timestamp.Before(records[j].Timestamp)
		})
		for _, rec := range records {
			if ctx.Err() != nil {
				return local, ctx.Err()
			}
			if rec.ContentTopic != d.topic.Content {
				continue
			}
			d.Dispatch(ctx, transport.Message{
				Payload:      rec.Payload,
				ContentTopic: rec.ContentTopic,
				PubsubTopic:  rec.PubsubTopic,
				Timestamp:    rec.Timestamp,
				Ephemeral:    rec.Ephemeral,
			}, true)
			local++
			if rec.Timestamp.After(newest) {
				newest = rec.Timestamp
			}
		}
		d.metrics.Replayed(sourceLocal, local)
	}

	q := transport.HistoryQuery{
		Forward:  true,
		PageSize: d.cfg.HistoryPageSize,
		Start:    newest,
		End:      d.now(),
	}
	remote, err := d.DispatchQuery(ctx, q, false)
	if err != nil {
		log.Warn("remote catch-up failed", "replayed_local", local, "error", err.Error())
		return local + remote, err
	}
	log.Info("replay complete", "replayed_local", local, "replayed_remote", remote)
	return local + remote, nil
}
