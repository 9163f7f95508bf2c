package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// DefaultDBFile 默认数据库文件名
const DefaultDBFile = "crawlengine.db"

// CrawlDB 基于SQLite的队列与状态存储
// 一个数据库文件可容纳多个queueID,请求表以(queue_id, unique_key)为主键
type CrawlDB struct {
	db     *sql.DB
	dbPath string
}

// Options 数据库选项
type Options struct {
	// CreateIfNotExists 数据库不存在时自动创建
	CreateIfNotExists bool

	// EnableWAL 启用WAL日志,提升并发读性能
	EnableWAL bool
}

// DefaultOptions 默认数据库选项
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open 打开或创建数据库
func Open(dbDir string, opts Options) (*CrawlDB, error) {
	dbPath := filepath.Join(dbDir, DefaultDBFile)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("数据库不存在: %s", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("检查数据库路径失败: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite只支持单写者,串行化所有访问
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cdb := &CrawlDB{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("启用WAL失败: %w", err)
		}
	}

	if err := cdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("创建数据表失败: %w", err)
	}

	return cdb, nil
}

// Path 返回数据库文件路径
func (cdb *CrawlDB) Path() string {
	return cdb.dbPath
}

// Close 关闭数据库
func (cdb *CrawlDB) Close() error {
	return cdb.db.Close()
}

func (cdb *CrawlDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_requests (
		queue_id TEXT NOT NULL,
		unique_key TEXT NOT NULL,
		url TEXT NOT NULL,
		depth INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (queue_id, unique_key)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_requests(queue_id, status);

	CREATE TABLE IF NOT EXISTS crawler_state (
		queue_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := cdb.db.ExecContext(context.Background(), schema)
	return err
}

// SaveRequests 批量写入(UPSERT)队列记录,在同一事务中完成
func (cdb *CrawlDB) SaveRequests(ctx context.Context, records []models.QueueRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := cdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO queue_requests (queue_id, unique_key, url, depth, retry_count, max_retries, priority, seq, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(queue_id, unique_key) DO UPDATE SET
		url = excluded.url,
		depth = excluded.depth,
		retry_count = excluded.retry_count,
		max_retries = excluded.max_retries,
		priority = excluded.priority,
		seq = excluded.seq,
		status = excluded.status,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		req := rec.Request
		if _, err := stmt.ExecContext(ctx,
			rec.QueueID, req.UniqueKey, req.URL, req.Depth, req.RetryCount,
			req.MaxRetries, req.Priority, req.Seq, string(rec.Status), rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("写入请求失败 [%s]: %w", req.UniqueKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// LoadRequests 加载队列的所有记录,按seq排序
func (cdb *CrawlDB) LoadRequests(ctx context.Context, queueID string) ([]models.QueueRecord, error) {
	rows, err := cdb.db.QueryContext(ctx, `
	SELECT unique_key, url, depth, retry_count, max_retries, priority, seq, status, updated_at
	FROM queue_requests WHERE queue_id = ? ORDER BY seq ASC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("查询队列失败: %w", err)
	}
	defer rows.Close()

	var records []models.QueueRecord
	for rows.Next() {
		var (
			rec    models.QueueRecord
			status string
		)
		rec.QueueID = queueID
		if err := rows.Scan(
			&rec.Request.UniqueKey, &rec.Request.URL, &rec.Request.Depth, &rec.Request.RetryCount,
			&rec.Request.MaxRetries, &rec.Request.Priority, &rec.Request.Seq, &status, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("读取队列记录失败: %w", err)
		}
		rec.Status = models.RequestStatus(status)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveState 覆盖写入queueID的状态快照
func (cdb *CrawlDB) SaveState(ctx context.Context, state models.CrawlerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}

	_, err = cdb.db.ExecContext(ctx, `
	INSERT INTO crawler_state (queue_id, state_json, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(queue_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
	`, state.QueueID, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("写入状态失败: %w", err)
	}
	return nil
}

// LoadState 读取状态快照,不存在时返回(nil, nil)
func (cdb *CrawlDB) LoadState(ctx context.Context, queueID string) (*models.CrawlerState, error) {
	var data string
	err := cdb.db.QueryRowContext(ctx,
		`SELECT state_json FROM crawler_state WHERE queue_id = ?`, queueID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取状态失败: %w", err)
	}

	var state models.CrawlerState
	if err := state.FromJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("解析状态失败: %w", err)
	}
	return &state, nil
}

// ListQueues 列出有持久化状态的queueID
func (cdb *CrawlDB) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := cdb.db.QueryContext(ctx, `SELECT queue_id FROM crawler_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("查询状态列表失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
