package metadata

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// createdAtLayout 固定小数位，保证按字符串排序即按时间排序。
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = "id, remote_ref, content_type, original_name, size, created_at"

var (
	// ErrSchemaMismatch 表示数据库文件由不兼容的版本创建。
	ErrSchemaMismatch = errors.New("metadata schema version mismatch")
	// ErrInvalidRecord 表示 Save 的入参缺少必填字段。
	ErrInvalidRecord = errors.New("invalid metadata record")
)

// Store 是基于 SQLite 的元数据仓库，可并发使用。
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open 打开（必要时创建）数据库文件并初始化表结构。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("metadata database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path 返回数据库文件路径。
func (s *Store) Path() string {
	return s.path
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save 生成 UUID 并写入一条记录。
func (s *Store) Save(ctx context.Context, in NewRecord) (Record, error) {
	if strings.TrimSpace(in.RemoteRef) == "" {
		return Record{}, fmt.Errorf("%w: remote ref is empty", ErrInvalidRecord)
	}
	if in.Size < 0 {
		return Record{}, fmt.Errorf("%w: negative size", ErrInvalidRecord)
	}

	record := Record{
		ID:           uuid.NewString(),
		RemoteRef:    in.RemoteRef,
		ContentType:  in.ContentType,
		OriginalName: in.OriginalName,
		Size:         in.Size,
		CreatedAt:    s.now().UTC(),
	}
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			"INSERT INTO media ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			record.ID,
			record.RemoteRef,
			record.ContentType,
			record.OriginalName,
			record.Size,
			record.CreatedAt.Format(createdAtLayout),
		)
		return execErr
	})
	if err != nil {
		return Record{}, fmt.Errorf("insert media: %w", err)
	}
	return record, nil
}

// Lookup 按 id 读取记录；不存在时返回 (Record{}, false, nil)。
func (s *Store) Lookup(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM media WHERE id = ?", id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup media %s: %w", id, err)
	}
	return record, true, nil
}

// List 按创建时间倒序返回至多 limit 条记录。
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM media ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return records, nil
}

// Delete 删除记录，返回是否确有记录被删除。
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("delete media %s: %w", id, err)
	}
	return affected > 0, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		record     Record
		createdRaw string
	)
	if err := scanner.Scan(
		&record.ID,
		&record.RemoteRef,
		&record.ContentType,
		&record.OriginalName,
		&record.Size,
		&createdRaw,
	); err != nil {
		return Record{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at %q: %w", createdRaw, err)
	}
	record.CreatedAt = created
	return record, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy 在 SQLITE_BUSY 时指数退避重试，其余错误立即返回。
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
