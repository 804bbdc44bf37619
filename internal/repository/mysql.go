package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	"github.com/lvdashuaibi/votesaga/internal/model"
)

// 建表语句，saga_id 唯一保证同一个saga最多产生一条投票
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS votes (
		id BIGINT NOT NULL AUTO_INCREMENT,
		saga_id VARCHAR(64) NULL,
		user_id CHAR(36) NOT NULL,
		novel_id BIGINT NOT NULL,
		create_time DATETIME(6) NOT NULL,
		update_time DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uk_votes_saga_id (saga_id),
		KEY idx_votes_user_novel (user_id, novel_id),
		KEY idx_votes_novel (novel_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		idempotency_key VARCHAR(191) NOT NULL,
		operation_kind VARCHAR(64) NOT NULL,
		processed_at DATETIME(6) NOT NULL,
		PRIMARY KEY (idempotency_key, operation_kind)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const voteColumns = "id, saga_id, user_id, novel_id, create_time, update_time"

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	logger   *zap.Logger
}

func NewMySQLRepository(cfg config.MySQLConfig, logger *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := openDB(cfg.Master, cfg)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" && cfg.Slave != cfg.Master {
		slaveDB, err = openDB(cfg.Slave, cfg)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}
		if err = slaveDB.Ping(); err != nil {
			logger.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryFromDB(masterDB, slaveDB, logger), nil
}

// NewMySQLRepositoryFromDB 使用已有连接创建仓库，slave为nil时读写都走主库
func NewMySQLRepositoryFromDB(masterDB, slaveDB *sql.DB, logger *zap.Logger) *MySQLRepository {
	if slaveDB == nil {
		slaveDB = masterDB
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
		logger:   logger,
	}
}

func openDB(dsn string, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// InitSchema 创建投票表和幂等记录表
func (r *MySQLRepository) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

// SaveVote 保存投票并返回带ID的记录。
// 同一saga_id重复写入时返回已有记录的ID，不会产生第二条投票。
func (r *MySQLRepository) SaveVote(ctx context.Context, vote *model.Vote) (*model.Vote, error) {
	query := `INSERT INTO votes (saga_id, user_id, novel_id, create_time, update_time)
			 VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`

	result, err := r.masterDB.ExecContext(ctx, query,
		nullString(vote.SagaID),
		vote.UserID.String(),
		vote.NovelID,
		vote.CreateTime,
		vote.UpdateTime,
	)
	if err != nil {
		return nil, fmt.Errorf("保存投票失败: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("获取投票ID失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("获取保存结果失败: %w", err)
	}
	if affected == 0 {
		r.logger.Info("saga已存在投票记录，复用已有投票",
			zap.String("sagaId", vote.SagaID), zap.Int64("voteId", id))
	}

	saved := *vote
	saved.ID = id
	return &saved, nil
}

// DeleteVote 删除投票
func (r *MySQLRepository) DeleteVote(ctx context.Context, id int64) error {
	if _, err := r.masterDB.ExecContext(ctx, "DELETE FROM votes WHERE id = ?", id); err != nil {
		return fmt.Errorf("删除投票 %d 失败: %w", id, err)
	}
	return nil
}

// FindVoteByID 按ID查询投票，不存在时返回nil
func (r *MySQLRepository) FindVoteByID(ctx context.Context, id int64) (*model.Vote, error) {
	row := r.slaveDB.QueryRowContext(ctx, "SELECT "+voteColumns+" FROM votes WHERE id = ?", id)
	vote, err := scanVote(row)
	if err != nil {
		return nil, fmt.Errorf("查询投票 %d 失败: %w", id, err)
	}
	return vote, nil
}

// FindVoteBySagaID 查询saga创建的投票，走主库保证读到刚写入的数据
func (r *MySQLRepository) FindVoteBySagaID(ctx context.Context, sagaID string) (*model.Vote, error) {
	row := r.masterDB.QueryRowContext(ctx, "SELECT "+voteColumns+" FROM votes WHERE saga_id = ?", sagaID)
	vote, err := scanVote(row)
	if err != nil {
		return nil, fmt.Errorf("查询saga %s 的投票失败: %w", sagaID, err)
	}
	return vote, nil
}

// FindLegacyVote 查询用户对小说最近一条没有saga_id的投票，这些记录由旧版本写入
func (r *MySQLRepository) FindLegacyVote(ctx context.Context, userID uuid.UUID, novelID int64) (*model.Vote, error) {
	query := "SELECT " + voteColumns + " FROM votes WHERE user_id = ? AND novel_id = ? AND saga_id IS NULL ORDER BY id DESC LIMIT 1"
	row := r.masterDB.QueryRowContext(ctx, query, userID.String(), novelID)
	vote, err := scanVote(row)
	if err != nil {
		return nil, fmt.Errorf("查询用户投票失败: %w", err)
	}
	return vote, nil
}

// CountVotesByNovelID 统计小说票数，走主库
func (r *MySQLRepository) CountVotesByNovelID(ctx context.Context, novelID int64) (int64, error) {
	var count int64
	err := r.masterDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM votes WHERE novel_id = ?", novelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("统计小说 %d 票数失败: %w", novelID, err)
	}
	return count, nil
}

// CountVotesByUserID 统计用户投票总数
func (r *MySQLRepository) CountVotesByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.slaveDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM votes WHERE user_id = ?", userID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("统计用户投票数失败: %w", err)
	}
	return count, nil
}

// FindVotesByUserID 分页查询用户投票，按时间倒序
func (r *MySQLRepository) FindVotesByUserID(ctx context.Context, userID uuid.UUID, offset, limit int) ([]*model.Vote, error) {
	query := "SELECT " + voteColumns + " FROM votes WHERE user_id = ? ORDER BY create_time DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.slaveDB.QueryContext(ctx, query, userID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询用户投票列表失败: %w", err)
	}
	defer rows.Close()

	var votes []*model.Vote
	for rows.Next() {
		vote, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描用户投票失败: %w", err)
		}
		votes = append(votes, vote)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代用户投票失败: %w", err)
	}

	return votes, nil
}

// IsProcessed 幂等记录是否存在
func (r *MySQLRepository) IsProcessed(ctx context.Context, key, kind string) (bool, error) {
	var exists int
	err := r.masterDB.QueryRowContext(ctx,
		"SELECT 1 FROM idempotency_records WHERE idempotency_key = ? AND operation_kind = ? LIMIT 1",
		key, kind,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询幂等记录失败: %w", err)
	}
	return true, nil
}

// MarkAsProcessed 写入幂等记录，重复写入不会报错也不会覆盖首次处理时间
func (r *MySQLRepository) MarkAsProcessed(ctx context.Context, key, kind string, processedAt time.Time) error {
	query := `INSERT INTO idempotency_records (idempotency_key, operation_kind, processed_at)
			 VALUES (?, ?, ?)
			 ON DUPLICATE KEY UPDATE processed_at = processed_at`

	if _, err := r.masterDB.ExecContext(ctx, query, key, kind, processedAt); err != nil {
		return fmt.Errorf("写入幂等记录失败: %w", err)
	}
	return nil
}

// Ping 健康检查，只检查主库
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.masterDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	var errs []error
	if err := r.masterDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.slaveDB != r.masterDB {
		if err := r.slaveDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVote(row rowScanner) (*model.Vote, error) {
	var (
		vote   model.Vote
		sagaID sql.NullString
	)
	err := row.Scan(&vote.ID, &sagaID, &vote.UserID, &vote.NovelID, &vote.CreateTime, &vote.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vote.SagaID = sagaID.String
	return &vote, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
