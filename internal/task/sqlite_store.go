package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "FormationHub/internal/errors"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	defaultBusyTimeout = 5 * time.Second

	taskColumns = `id, formation, description, assigned_to, status, results_json, created_at, updated_at`

	upsertTaskStmt = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            formation = excluded.formation,
            description = excluded.description,
            assigned_to = excluded.assigned_to,
            status = excluded.status,
            results_json = excluded.results_json,
            updated_at = excluded.updated_at`
)

// SQLiteConfig 描述 SQLite 任务库的参数。
type SQLiteConfig struct {
	// Path 是数据库文件路径，不支持 :memory:，因为每次操作都会新建连接。
	Path string
	// LockTimeout 是等待存储锁的上限，0 表示一直等待。
	LockTimeout time.Duration
	// BusyTimeout 是 SQLite 自身等待文件锁的时间，只在跨进程争用时生效。
	BusyTimeout time.Duration
}

// SQLiteStore 把任务记录保存在单个 SQLite 文件中。
// 每个操作都在存储锁内打开连接、执行、提交并关闭连接，不保留长连接。
type SQLiteStore struct {
	path string
	dsn  string
	gate *gate
	now  func() time.Time
}

// NewSQLiteStore 创建 SQLiteStore，不会触碰文件；调用方需要先执行 Initialize。
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 任务库不支持内存数据库，请使用 memory 驱动")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return &SQLiteStore{
		path: path,
		dsn:  fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, busy.Milliseconds()),
		gate: newGate(cfg.LockTimeout),
		now:  time.Now,
	}, nil
}

// Path 返回数据库文件路径。
func (s *SQLiteStore) Path() string {
	return s.path
}

// withConn 在存储锁内打开一个新连接并在返回前关闭。
func (s *SQLiteStore) withConn(ctx context.Context, fn func(db *sql.DB) error) error {
	release, err := s.gate.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "连接 SQLite 失败",
			xerrors.WithMetadata("path", s.path))
	}
	return fn(db)
}

// Initialize 创建数据目录并应用表结构迁移，可重复调用。
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "创建数据目录失败",
				xerrors.WithMetadata("path", dir))
		}
	}
	return s.withConn(ctx, func(db *sql.DB) error {
		if err := runMigrations(ctx, db, defaultMigrations); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "初始化 tasks 表失败")
		}
		var latest sql.NullString
		if err := db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM tasks`).Scan(&latest); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "读取最新任务时间失败")
		}
		ts, err := parseTimestamp(latest)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析最新任务时间失败")
		}
		s.gate.advance(ts)
		return nil
	})
}

// Save 插入或替换任务。results 在获取锁之前完成编码，编码失败时不会写入任何数据。
func (s *SQLiteStore) Save(ctx context.Context, formation string, task *Task) error {
	if err := validate(formation, task); err != nil {
		return err
	}
	results, err := encodeResults(task.Results)
	if err != nil {
		return err
	}

	return s.withConn(ctx, func(db *sql.DB) error {
		now := formatTimestamp(s.gate.stamp(s.now()))
		if _, err := db.ExecContext(ctx, upsertTaskStmt,
			task.ID,
			formation,
			task.Description,
			nullableString(task.AssignedTo),
			string(task.Status),
			results,
			now,
			now,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "写入任务失败",
				xerrors.WithMetadata("task_id", task.ID))
		}
		return nil
	})
}

// Load 返回 formation 下按创建顺序排列的任务。
func (s *SQLiteStore) Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error) {
	options := buildLoadOptions(opts)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE formation = ?`
	args := []any{formation}
	clause, filterArgs := options.filterClause()
	query += clause + " ORDER BY created_at ASC, rowid ASC"
	args = append(args, filterArgs...)
	if options.Limit > 0 || options.Offset > 0 {
		limit := options.Limit
		if limit == 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, options.Offset)
	}

	tasks := make([]*Task, 0)
	err := s.withConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "查询任务列表失败")
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "遍历任务失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Get 按 ID 查询任务。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.withConn(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		found, err := scanTask(row)
		if err != nil {
			return err
		}
		task = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Stats 统计 formation 下各状态的任务数量。
func (s *SQLiteStore) Stats(ctx context.Context, formation string) (FormationStats, error) {
	stats := newFormationStats(formation)
	err := s.withConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE formation = ? GROUP BY status`, formation)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "查询任务统计失败")
		}
		defer rows.Close()
		for rows.Next() {
			var status sql.NullString
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析任务统计失败")
			}
			stats.add(Status(status.String), count)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "遍历任务统计失败")
		}
		return nil
	})
	if err != nil {
		return FormationStats{}, err
	}
	return stats, nil
}

// Formations 返回存在任务记录的 formation 名称，按字典序排列。
func (s *SQLiteStore) Formations(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := s.withConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT formation FROM tasks WHERE formation IS NOT NULL ORDER BY formation`)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "查询 formation 列表失败")
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析 formation 失败")
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "遍历 formation 失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Close 对 SQLiteStore 无需操作，连接在每次调用后已关闭。
func (s *SQLiteStore) Close() error {
	return nil
}

// rowScanner 抽象 sql.Row 与 sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                           Task
		formation, description, status sql.NullString
		assignedTo, results            sql.NullString
		createdAt, updatedAt           sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&formation,
		&description,
		&assignedTo,
		&status,
		&results,
		&createdAt,
		&updatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析任务记录失败")
	}

	task.Formation = formation.String
	task.Description = description.String
	task.AssignedTo = assignedTo.String
	task.Status = Status(status.String)

	decoded, err := decodeResults(results)
	if err != nil {
		return nil, err
	}
	task.Results = decoded

	if task.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析 created_at 失败")
	}
	if task.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "解析 updated_at 失败")
	}
	return &task, nil
}

var _ Store = (*SQLiteStore)(nil)
