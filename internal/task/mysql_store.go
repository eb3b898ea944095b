package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "FormationHub/internal/errors"
	"github.com/go-sql-driver/mysql"
)

const mysqlTaskColumns = `id, formation, description, assigned_to, status, results_json, created_at, updated_at`

// MySQLConfig 描述 MySQL 任务库的参数。
type MySQLConfig struct {
	DSN             string
	LockTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 记录任务，语义与 SQLiteStore 相同。
// 连接池常驻，但所有操作同样经过存储锁串行执行。
type MySQLStore struct {
	db   *sql.DB
	gate *gate
	now  func() time.Time
}

// NewMySQLStore 创建 MySQLStore，不会立即建立连接。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC

	connector, err := mysql.NewConnector(parsed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	return &MySQLStore{db: db, gate: newGate(cfg.LockTimeout), now: time.Now}, nil
}

func (s *MySQLStore) locked(ctx context.Context, fn func() error) error {
	release, err := s.gate.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Initialize 创建 tasks 表并补齐后续新增的列。
func (s *MySQLStore) Initialize(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(191) NOT NULL PRIMARY KEY,
        seq BIGINT NOT NULL AUTO_INCREMENT UNIQUE,
        formation VARCHAR(191),
        description TEXT,
        assigned_to VARCHAR(191) NULL,
        status VARCHAR(64),
        results_json TEXT NULL,
        created_at DATETIME(6) DEFAULT CURRENT_TIMESTAMP(6),
        INDEX idx_tasks_formation (formation)
)`

	return s.locked(ctx, func() error {
		if err := s.db.PingContext(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "无法连接到 MySQL")
		}
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "初始化 tasks 表失败")
		}
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN updated_at DATETIME(6) NULL`); err != nil {
			var mysqlErr *mysql.MySQLError
			if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
				return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "扩展 tasks.updated_at 失败")
			}
		}
		var latest sql.NullTime
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM tasks`).Scan(&latest); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "读取最新任务时间失败")
		}
		if latest.Valid {
			s.gate.advance(latest.Time)
		}
		return nil
	})
}

// Save 插入或替换任务，created_at 与 seq 保持首次写入的值。
func (s *MySQLStore) Save(ctx context.Context, formation string, task *Task) error {
	if err := validate(formation, task); err != nil {
		return err
	}
	results, err := encodeResults(task.Results)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tasks (` + mysqlTaskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            formation = VALUES(formation),
            description = VALUES(description),
            assigned_to = VALUES(assigned_to),
            status = VALUES(status),
            results_json = VALUES(results_json),
            updated_at = VALUES(updated_at)`

	return s.locked(ctx, func() error {
		now := s.gate.stamp(s.now())
		if _, err := s.db.ExecContext(ctx, stmt,
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
func (s *MySQLStore) Load(ctx context.Context, formation string, opts ...LoadOption) ([]*Task, error) {
	options := buildLoadOptions(opts)

	query := `SELECT ` + mysqlTaskColumns + ` FROM tasks WHERE formation = ?`
	args := []any{formation}
	clause, filterArgs := options.filterClause()
	query += clause + " ORDER BY created_at ASC, seq ASC"
	args = append(args, filterArgs...)
	switch {
	case options.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, options.Limit, options.Offset)
	case options.Offset > 0:
		// MySQL 不支持单独的 OFFSET
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, options.Offset)
	}

	tasks := make([]*Task, 0)
	err := s.locked(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageUnavailable, err, "查询任务列表失败")
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanMySQLTask(rows)
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

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.locked(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+mysqlTaskColumns+` FROM tasks WHERE id = ?`, id)
		found, err := scanMySQLTask(row)
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
func (s *MySQLStore) Stats(ctx context.Context, formation string) (FormationStats, error) {
	stats := newFormationStats(formation)
	err := s.locked(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE formation = ? GROUP BY status`, formation)
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

// Formations 返回存在任务记录的 formation 名称。
func (s *MySQLStore) Formations(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := s.locked(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT formation FROM tasks WHERE formation IS NOT NULL ORDER BY formation`)
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

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanMySQLTask(row rowScanner) (*Task, error) {
	var (
		task                           Task
		formation, description, status sql.NullString
		assignedTo, results            sql.NullString
		createdAt, updatedAt           sql.NullTime
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

	decoded, err := decodeResults(results)
	if err != nil {
		return nil, err
	}
	task.Formation = formation.String
	task.Description = description.String
	task.AssignedTo = assignedTo.String
	task.Status = Status(status.String)
	task.Results = decoded
	if createdAt.Valid {
		task.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		task.UpdatedAt = updatedAt.Time.UTC()
	}
	return &task, nil
}

var _ Store = (*MySQLStore)(nil)
