package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/askdoc/internal/model"
	"github.com/xxxsen/askdoc/internal/pkg/dbutil"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *model.ChatSession) error {
	data := map[string]interface{}{
		"id":    session.ID,
		"title": session.Title,
		"ctime": session.Ctime,
		"mtime": session.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("chat_sessions", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	where := map[string]interface{}{"id": sessionID}
	sqlStr, args, err := builder.BuildSelect("chat_sessions", where,
		[]string{"id", "title", "ctime", "mtime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr, args...)
	var session model.ChatSession
	if err := row.Scan(&session.ID, &session.Title, &session.Ctime, &session.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepo) List(ctx context.Context, offset, limit int) ([]*model.ChatSession, error) {
	where := map[string]interface{}{
		"_orderby": "mtime desc",
		"_limit":   []uint{uint(offset), uint(limit)},
	}
	sqlStr, args, err := builder.BuildSelect("chat_sessions", where,
		[]string{"id", "title", "ctime", "mtime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*model.ChatSession
	for rows.Next() {
		var session model.ChatSession
		if err := rows.Scan(&session.ID, &session.Title, &session.Ctime, &session.Mtime); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (r *SessionRepo) Update(ctx context.Context, sessionID, title string, mtime int64) error {
	where := map[string]interface{}{"id": sessionID}
	update := map[string]interface{}{
		"title": title,
		"mtime": mtime,
	}
	sqlStr, args, err := builder.BuildUpdate("chat_sessions", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func (r *SessionRepo) Touch(ctx context.Context, sessionID string, mtime int64) error {
	where := map[string]interface{}{"id": sessionID}
	update := map[string]interface{}{"mtime": mtime}
	sqlStr, args, err := builder.BuildUpdate("chat_sessions", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	where := map[string]interface{}{"id": sessionID}
	sqlStr, args, err := builder.BuildDelete("chat_sessions", where)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
