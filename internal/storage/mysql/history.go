package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

const defaultHistoryLimit = 50

// HistoryRecord 是一条落库的聊天记录。
type HistoryRecord struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CallerAddress  string `json:"caller_address,omitempty"`
	IntentType     string `json:"intent_type,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// HistoryRepository 抽象聊天记录的持久化接口。
type HistoryRepository interface {
	Append(ctx context.Context, records ...HistoryRecord) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]HistoryRecord, error)
	DeleteConversation(ctx context.Context, conversationID string) (int, error)
	Close() error
}

func prepareRecords(records []HistoryRecord) error {
	now := time.Now().Unix()
	for i := range records {
		if strings.TrimSpace(records[i].ConversationID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "聊天记录缺少 conversation_id")
		}
		if records[i].Role == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "聊天记录缺少 role")
		}
		if records[i].CreatedAt == 0 {
			records[i].CreatedAt = now
		}
	}
	return nil
}

// MemoryHistoryRepository 在内存中保存聊天记录，可选地追加写入本地日志文件以便重启后恢复。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	nextID   int64
	byConv   map[string][]HistoryRecord
}

// NewMemoryHistoryRepository 创建内存仓库。dataDir 为空时不落盘。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	repo := &MemoryHistoryRepository{byConv: make(map[string][]HistoryRecord)}
	if dataDir == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo.dataFile = filepath.Join(dataDir, "chat_history.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 追加聊天记录并分配自增 ID。
func (m *MemoryHistoryRepository) Append(_ context.Context, records ...HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := append([]HistoryRecord(nil), records...)
	if err := prepareRecords(batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range batch {
		m.nextID++
		batch[i].ID = m.nextID
	}
	if m.dataFile != "" {
		if err := m.writeToDisk(batch); err != nil {
			m.nextID -= int64(len(batch))
			return err
		}
	}
	for _, record := range batch {
		m.byConv[record.ConversationID] = append(m.byConv[record.ConversationID], record)
	}
	return nil
}

// ListByConversation 按时间正序返回会话最近的 limit 条记录。
func (m *MemoryHistoryRepository) ListByConversation(_ context.Context, conversationID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.byConv[conversationID]
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]HistoryRecord(nil), records...), nil
}

// DeleteConversation 删除会话的全部记录并返回删除数量。落盘文件中的记录在下次加载时会被墓碑过滤。
func (m *MemoryHistoryRepository) DeleteConversation(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.byConv[conversationID])
	if removed == 0 {
		return 0, nil
	}
	if m.dataFile != "" {
		tombstone := HistoryRecord{ConversationID: conversationID, Role: roleTombstone, CreatedAt: time.Now().Unix()}
		if err := m.writeToDisk([]HistoryRecord{tombstone}); err != nil {
			return 0, err
		}
	}
	delete(m.byConv, conversationID)
	return removed, nil
}

// Close 内存实现无需释放资源。
func (m *MemoryHistoryRepository) Close() error { return nil }

const roleTombstone = "deleted"

func (m *MemoryHistoryRepository) writeToDisk(records []HistoryRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开聊天记录日志失败")
	}
	defer file.Close()

	var buf []byte
	for _, record := range records {
		encoded, err := json.Marshal(record)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化聊天记录失败")
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}
	if _, err := file.Write(buf); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入聊天记录日志失败")
	}
	return nil
}

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取聊天记录日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record HistoryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Role == roleTombstone {
			delete(m.byConv, record.ConversationID)
			continue
		}
		m.byConv[record.ConversationID] = append(m.byConv[record.ConversationID], record)
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析聊天记录日志失败")
	}
	return nil
}

// SQLHistoryRepository 使用 MySQL 存储聊天记录。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并执行迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLHistoryRepository{db: db}, nil
}

const insertHistorySQL = `INSERT INTO chat_history
        (conversation_id, role, content, caller_address, intent_type, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

// Append 在单个事务中写入一批聊天记录。
func (s *SQLHistoryRepository) Append(ctx context.Context, records ...HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := append([]HistoryRecord(nil), records...)
	if err := prepareRecords(batch); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	for _, record := range batch {
		if _, err := tx.ExecContext(ctx, insertHistorySQL,
			record.ConversationID,
			record.Role,
			record.Content,
			record.CallerAddress,
			record.IntentType,
			record.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入聊天记录失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交聊天记录失败")
	}
	return nil
}

// ListByConversation 查询会话最近的 limit 条记录，按时间正序返回。
func (s *SQLHistoryRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content, caller_address, intent_type, created_at
        FROM chat_history WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询聊天记录失败")
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var record HistoryRecord
		if err := rows.Scan(
			&record.ID,
			&record.ConversationID,
			&record.Role,
			&record.Content,
			&record.CallerAddress,
			&record.IntentType,
			&record.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析聊天记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历聊天记录失败")
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// DeleteConversation 删除会话的全部记录。
func (s *SQLHistoryRepository) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除聊天记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(affected), nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
