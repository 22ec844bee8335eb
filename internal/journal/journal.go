// Package journal 把每次外部动作的结果写入 SQLite，便于事后排查设备卡死等问题
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Hara602/usbShare/internal/action"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	started_at INTEGER NOT NULL, -- unix 毫秒
	duration_ms INTEGER NOT NULL,
	output TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_actions_started_at ON actions(started_at);
`

// Entry 一条历史记录
type Entry struct {
	StartedAt time.Time
	Action    string
	Outcome   string
	Output    string
	Error     string
	ID        int64
	Duration  time.Duration
}

type Journal struct {
	db *sql.DB
}

// Open 打开 (或创建) 数据库并初始化表结构
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record 实现 action.Recorder
func (j *Journal) Record(ctx context.Context, r action.Result) error {
	var errText sql.NullString
	if r.Cause != nil {
		errText = sql.NullString{String: r.Cause.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO actions(action, outcome, started_at, duration_ms, output, error) VALUES (?, ?, ?, ?, ?, ?)",
		r.Action.String(), r.Outcome.String(), r.StartedAt.UnixMilli(), r.Duration.Milliseconds(), r.Output, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// Recent 返回最近的 n 条记录，最新的在前
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, action, outcome, started_at, duration_ms, output, error FROM actions ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			started int64
			ms      int64
			output  sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Outcome, &started, &ms, &output, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		e.StartedAt = time.UnixMilli(started)
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Output = output.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return entries, nil
}
