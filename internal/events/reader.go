package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload"`
}

// Latest returns the newest events first, optionally filtered by type and entity.
func Latest(ctx context.Context, db *sql.DB, limit int, evtType, entityID string) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &entity, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entity.String
		res = append(res, e)
	}
	return res, rows.Err()
}
