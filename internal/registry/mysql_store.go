package registry

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存智能体记录。
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
	const schema = `CREATE TABLE IF NOT EXISTS market_agents (
        position BIGINT AUTO_INCREMENT PRIMARY KEY,
        address CHAR(42) NOT NULL UNIQUE,
        metadata_uri TEXT,
        capabilities TEXT,
        endpoint TEXT,
        stake_amount VARCHAR(78) NOT NULL DEFAULT '0',
        reputation_index BIGINT UNSIGNED NOT NULL DEFAULT 0,
        is_active TINYINT(1) NOT NULL DEFAULT 1,
        registered_at BIGINT NOT NULL,
        INDEX idx_agent_active (is_active)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 market_agents 表失败")
	}
	return nil
}

// Create 插入新的智能体记录。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}

	const stmt = `INSERT INTO market_agents
        (address, metadata_uri, capabilities, endpoint, stake_amount, reputation_index, is_active, registered_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		agent.Address.Hex(),
		agent.MetadataURI,
		agent.Capabilities,
		agent.Endpoint,
		stakeString(agent.StakeAmount),
		agent.ReputationIndex,
		agent.IsActive,
		agent.RegisteredAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadyRegistered
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体记录失败")
	}
	return nil
}

// Get 查询指定地址的记录。
func (s *MySQLStore) Get(ctx context.Context, addr common.Address) (*Agent, error) {
	const stmt = `SELECT address, metadata_uri, capabilities, endpoint, stake_amount, reputation_index, is_active, registered_at
        FROM market_agents WHERE address = ?`

	row := s.db.QueryRowContext(ctx, stmt, addr.Hex())
	return scanAgent(row)
}

// Update 覆盖已有记录。
func (s *MySQLStore) Update(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}

	const stmt = `UPDATE market_agents SET
        metadata_uri = ?, capabilities = ?, endpoint = ?, stake_amount = ?, reputation_index = ?, is_active = ?
        WHERE address = ?`

	result, err := s.db.ExecContext(ctx, stmt,
		agent.MetadataURI,
		agent.Capabilities,
		agent.Endpoint,
		stakeString(agent.StakeAmount),
		agent.ReputationIndex,
		agent.IsActive,
		agent.Address.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// 记录可能存在但内容未变，需要区分不存在的情况。
		if _, getErr := s.Get(ctx, agent.Address); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Count 返回注册总数。
func (s *MySQLStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM market_agents`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计智能体数量失败")
	}
	return count, nil
}

// AddressByIndex 按注册顺序返回地址。
func (s *MySQLStore) AddressByIndex(ctx context.Context, index uint64) (common.Address, error) {
	const stmt = `SELECT address FROM market_agents ORDER BY position ASC LIMIT 1 OFFSET ?`

	var hex string
	if err := s.db.QueryRowContext(ctx, stmt, index).Scan(&hex); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return common.Address{}, xerrors.New(xerrors.CodeNotFound, "索引超出注册序列范围")
		}
		return common.Address{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按索引查询地址失败")
	}
	return common.HexToAddress(hex), nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var agent Agent
	var addrHex, stakeRaw string

	if err := row.Scan(
		&addrHex,
		&agent.MetadataURI,
		&agent.Capabilities,
		&agent.Endpoint,
		&stakeRaw,
		&agent.ReputationIndex,
		&agent.IsActive,
		&agent.RegisteredAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取智能体记录失败")
	}

	agent.Address = common.HexToAddress(addrHex)
	stake, ok := new(big.Int).SetString(stakeRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "质押金额字段损坏")
	}
	agent.StakeAmount = stake
	return &agent, nil
}

func stakeString(stake *big.Int) string {
	if stake == nil {
		return "0"
	}
	return stake.String()
}

var _ Store = (*MySQLStore)(nil)
