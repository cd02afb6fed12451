package reputation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存信誉档案。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS market_reputation (
        address CHAR(42) PRIMARY KEY,
        score BIGINT UNSIGNED NOT NULL DEFAULT 0,
        completed_jobs BIGINT UNSIGNED NOT NULL DEFAULT 0,
        failed_jobs BIGINT UNSIGNED NOT NULL DEFAULT 0,
        total_earned VARCHAR(78) NOT NULL DEFAULT '0',
        slash_count BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_update_time BIGINT NOT NULL DEFAULT 0
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 market_reputation 表失败")
	}
	return nil
}

// Get 返回档案快照，未知地址返回零值档案。
func (s *MySQLStore) Get(ctx context.Context, addr common.Address) (*Record, error) {
	const stmt = `SELECT score, completed_jobs, failed_jobs, total_earned, slash_count, last_update_time
        FROM market_reputation WHERE address = ?`

	var record Record
	var earnedRaw string
	err := s.db.QueryRowContext(ctx, stmt, addr.Hex()).Scan(
		&record.Score,
		&record.CompletedJobs,
		&record.FailedJobs,
		&earnedRaw,
		&record.SlashCount,
		&record.LastUpdateTime,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return zeroRecord(), nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取信誉档案失败")
	}

	earned, ok := new(big.Int).SetString(earnedRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "累计收入字段损坏")
	}
	record.TotalEarned = earned
	return &record, nil
}

// Put 写入或覆盖指定地址的档案。
func (s *MySQLStore) Put(ctx context.Context, addr common.Address, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	earned := "0"
	if record.TotalEarned != nil {
		earned = record.TotalEarned.String()
	}

	const stmt = `INSERT INTO market_reputation
        (address, score, completed_jobs, failed_jobs, total_earned, slash_count, last_update_time)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        score = VALUES(score), completed_jobs = VALUES(completed_jobs), failed_jobs = VALUES(failed_jobs),
        total_earned = VALUES(total_earned), slash_count = VALUES(slash_count), last_update_time = VALUES(last_update_time)`

	if _, err := s.db.ExecContext(ctx, stmt,
		addr.Hex(),
		record.Score,
		record.CompletedJobs,
		record.FailedJobs,
		earned,
		record.SlashCount,
		record.LastUpdateTime,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信誉档案失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
