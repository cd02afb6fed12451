package escrow

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

// MySQLStore 使用 MySQL 保存任务记录。任务号由自增主键分配，
// 天然满足从 1 开始、单调递增且永不复用的要求。
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
	const schema = `CREATE TABLE IF NOT EXISTS market_jobs (
        id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
        master CHAR(42) NOT NULL,
        worker CHAR(42) NOT NULL,
        price VARCHAR(78) NOT NULL,
        state TINYINT UNSIGNED NOT NULL DEFAULT 0,
        output_hash CHAR(66) NOT NULL DEFAULT '',
        proof_ref VARCHAR(512) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        deadline BIGINT NOT NULL,
        funds_released TINYINT(1) NOT NULL DEFAULT 0,
        receipt_hash CHAR(66) NOT NULL DEFAULT '',
        INDEX idx_jobs_master (master, id),
        INDEX idx_jobs_worker (worker, id)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 market_jobs 表失败")
	}
	return nil
}

// Create 插入记录并回填自增任务号。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}

	const stmt = `INSERT INTO market_jobs
        (master, worker, price, state, output_hash, proof_ref, created_at, deadline, funds_released, receipt_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		job.Master.Hex(),
		job.Worker.Hex(),
		priceString(job.Price),
		uint8(job.State),
		job.OutputHash.Hex(),
		job.ProofRef,
		job.CreatedAt,
		job.Deadline,
		job.FundsReleased,
		job.ReceiptHash.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务记录失败")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务号失败")
	}
	job.ID = uint64(id)
	return nil
}

// Get 返回记录快照。
func (s *MySQLStore) Get(ctx context.Context, id uint64) (*Job, error) {
	const stmt = `SELECT id, master, worker, price, state, output_hash, proof_ref,
        created_at, deadline, funds_released, receipt_hash
        FROM market_jobs WHERE id = ?`

	return scanJob(s.db.QueryRowContext(ctx, stmt, id))
}

// Update 覆盖已有记录。
func (s *MySQLStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}

	const stmt = `UPDATE market_jobs SET
        state = ?, output_hash = ?, proof_ref = ?, funds_released = ?, receipt_hash = ?
        WHERE id = ?`

	result, err := s.db.ExecContext(ctx, stmt,
		uint8(job.State),
		job.OutputHash.Hex(),
		job.ProofRef,
		job.FundsReleased,
		job.ReceiptHash.Hex(),
		job.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认更新结果失败")
	}
	if affected == 0 {
		// 记录可能存在但字段未变化，需再确认一次。
		if _, err := s.Get(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// Counter 返回最近分配的任务号。
func (s *MySQLStore) Counter(ctx context.Context) (uint64, error) {
	var counter sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM market_jobs`).Scan(&counter); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务计数失败")
	}
	if !counter.Valid {
		return 0, nil
	}
	return uint64(counter.Int64), nil
}

// JobsByMaster 返回主控方的任务号序列。
func (s *MySQLStore) JobsByMaster(ctx context.Context, master common.Address, limit int) ([]uint64, error) {
	return s.jobIDs(ctx, `SELECT id FROM market_jobs WHERE master = ? ORDER BY id ASC`, master, limit)
}

// JobsByWorker 返回工作方的任务号序列。
func (s *MySQLStore) JobsByWorker(ctx context.Context, worker common.Address, limit int) ([]uint64, error) {
	return s.jobIDs(ctx, `SELECT id FROM market_jobs WHERE worker = ? ORDER BY id ASC`, worker, limit)
}

func (s *MySQLStore) jobIDs(ctx context.Context, stmt string, addr common.Address, limit int) ([]uint64, error) {
	args := []any{addr.Hex()}
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务索引失败")
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务号失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务索引失败")
	}
	return ids, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var masterRaw, workerRaw, priceRaw, outputRaw, receiptRaw string
	var state uint8
	err := row.Scan(
		&job.ID,
		&masterRaw,
		&workerRaw,
		&priceRaw,
		&state,
		&outputRaw,
		&job.ProofRef,
		&job.CreatedAt,
		&job.Deadline,
		&job.FundsReleased,
		&receiptRaw,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}

	price, ok := new(big.Int).SetString(priceRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "任务价格字段损坏")
	}
	job.Master = common.HexToAddress(masterRaw)
	job.Worker = common.HexToAddress(workerRaw)
	job.Price = price
	job.State = State(state)
	job.OutputHash = common.HexToHash(outputRaw)
	job.ReceiptHash = common.HexToHash(receiptRaw)
	return &job, nil
}

func priceString(price *big.Int) string {
	if price == nil {
		return "0"
	}
	return price.String()
}

var _ Store = (*MySQLStore)(nil)
