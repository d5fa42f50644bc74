package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/hlgrid/internal/domain"
)

var log = logrus.WithField("component", "history")

const queueSize = 1024

// Record 一条已进入终态的订单
type Record struct {
	ID              int64     `json:"id"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	LevelIndex      int       `json:"level_index"`
	Epoch           uint64    `json:"epoch"`
	Side            string    `json:"side"`
	Price           string    `json:"price"`
	Size            string    `json:"size"`
	FilledSize      string    `json:"filled_size"`
	AvgFillPrice    string    `json:"avg_fill_price"`
	Status          string    `json:"status"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ClosedAt        time.Time `json:"closed_at"`
}

// Store 终态订单流水（sqlite）。Record 只入队，由后台 goroutine 写库，
// 不阻塞 tracker。
type Store struct {
	db     *sql.DB
	symbol string

	mu     sync.Mutex
	closed bool
	queue  chan *domain.ManagedOrder
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
}

func Open(path, symbol string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db, symbol: symbol, queue: make(chan *domain.ManagedOrder, queueSize)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS order_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  client_order_id TEXT NOT NULL,
  exchange_order_id TEXT,
  level_index INTEGER NOT NULL,
  epoch INTEGER NOT NULL,
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  size TEXT NOT NULL,
  filled_size TEXT NOT NULL,
  avg_fill_price TEXT NOT NULL,
  status TEXT NOT NULL,
  last_error TEXT,
  created_at TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_closed_at ON order_history(closed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_cloid ON order_history(client_order_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Record 实现 tracker.HistorySink；队列满时丢弃并计数
func (s *Store) Record(o *domain.ManagedOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || o == nil {
		return
	}
	select {
	case s.queue <- o:
	default:
		s.dropped.Add(1)
		log.Warnf("历史队列已满，丢弃订单记录 cloid=%s", o.ClientOrderID)
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for o := range s.queue {
		if err := s.insert(context.Background(), o); err != nil {
			log.WithError(err).Warnf("写入订单历史失败 cloid=%s", o.ClientOrderID)
			continue
		}
		s.written.Add(1)
	}
}

func (s *Store) insert(ctx context.Context, o *domain.ManagedOrder) error {
	closedAt := o.UpdatedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	var exID, lastErr *string
	if o.ExchangeOrderID != "" {
		exID = &o.ExchangeOrderID
	}
	if o.LastError != "" {
		lastErr = &o.LastError
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO order_history (symbol, client_order_id, exchange_order_id, level_index, epoch, side, price, size, filled_size, avg_fill_price, status, last_error, created_at, closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, s.symbol, o.ClientOrderID, exID, o.LevelIndex, int64(o.Epoch), string(o.Side),
		o.Price.String(), o.Size.String(), o.FilledSize.String(), o.AvgFillPrice.String(),
		string(o.Status), lastErr, o.CreatedAt.Format(time.RFC3339Nano), closedAt.Format(time.RFC3339Nano))
	return err
}

// Recent 最近进入终态的订单，按关闭时间倒序
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, client_order_id, exchange_order_id, level_index, epoch, side, price, size, filled_size, avg_fill_price, status, last_error, created_at, closed_at
FROM order_history
WHERE symbol=?
ORDER BY closed_at DESC, id DESC
LIMIT ?
`, s.symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			exID      sql.NullString
			lastErr   sql.NullString
			epoch     int64
			createdAt string
			closedAt  string
		)
		if err := rows.Scan(&r.ID, &r.ClientOrderID, &exID, &r.LevelIndex, &epoch, &r.Side, &r.Price, &r.Size,
			&r.FilledSize, &r.AvgFillPrice, &r.Status, &lastErr, &createdAt, &closedAt); err != nil {
			return nil, err
		}
		r.ExchangeOrderID = exID.String
		r.LastError = lastErr.String
		r.Epoch = uint64(epoch)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats 已写入 / 因队列满丢弃的记录数
func (s *Store) Stats() (written, dropped uint64) {
	return s.written.Load(), s.dropped.Load()
}

// Close 等待队列写完后关闭数据库
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
