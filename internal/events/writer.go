package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courtline/internal/cache"
	"courtline/internal/domain"
)

// Writer appends mutation events to the workspace journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	Log *zap.Logger
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(entityID), string(data))
	return err
}

// Record journals one cache change. It is meant to be a cache subscriber, so
// failures are logged and never reach the mutation that caused them.
func (w Writer) Record(ctx context.Context, ch cache.Change) {
	entityID := ""
	if len(ch.IDs) == 1 {
		entityID = ch.IDs[0]
	}
	payload := EventPayload{"ids": ch.IDs}
	switch ch.Kind {
	case cache.ChangeInsert:
		if len(ch.Tasks) == 1 {
			payload["task"] = ch.Tasks[0]
		}
	case cache.ChangePatch, cache.ChangeBulkPatch:
		payload["status"] = statusOf(ch.Tasks)
		if len(ch.Tasks) > 0 && ch.Tasks[0].Result != "" {
			payload["result"] = ch.Tasks[0].Result
		}
	case cache.ChangeClear:
		payload["count"] = len(ch.IDs)
	}
	if err := w.Append(ctx, string(ch.Kind), entityID, payload); err != nil && w.Log != nil {
		w.Log.Warn("journal write failed", zap.String("type", string(ch.Kind)), zap.Error(err))
	}
}

func statusOf(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	return tasks[0].Status.Raw
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
