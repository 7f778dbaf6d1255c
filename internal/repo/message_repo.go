package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/askdoc/internal/model"
	"github.com/xxxsen/askdoc/internal/pkg/dbutil"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Create(ctx context.Context, msg *model.Message) error {
	data := map[string]interface{}{
		"id":          msg.ID,
		"session_id":  msg.SessionID,
		"role":        msg.Role,
		"content":     msg.Content,
		"partial":     msg.Partial,
		"token_count": msg.TokenCount,
		"cost":        msg.Cost,
		"ctime":       msg.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("chat_messages", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *MessageRepo) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	where := map[string]interface{}{
		"session_id": sessionID,
		"_orderby":   "ctime asc",
	}
	sqlStr, args, err := builder.BuildSelect("chat_messages", where,
		[]string{"id", "session_id", "role", "content", "partial", "token_count", "cost", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*model.Message
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Partial,
			&msg.TokenCount, &msg.Cost, &msg.Ctime); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (r *MessageRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
