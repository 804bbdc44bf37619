// Package saga 投票创建saga在本服务中的参与方。
//
// 账本服务预留元宝后发出 YuanReserved，本服务校验小说、写入投票并发出 VoteCreated
// 与票数更新；校验失败时发出 Failed 与 CompensateYuan，由账本服务释放预留。
// 重复投递由幂等标记过滤，标记在两个事件都发送成功后才写入。
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
	intkafka "github.com/lvdashuaibi/votesaga/internal/kafka"
	"github.com/lvdashuaibi/votesaga/internal/metrics"
	"github.com/lvdashuaibi/votesaga/internal/model"
)

const (
	// OperationVoteSagaCreate 幂等记录的操作类型
	OperationVoteSagaCreate = "VoteSagaCreate"
	// OperationVoteSagaCompensate 旧版补偿监听器的幂等操作类型
	OperationVoteSagaCompensate = "VoteSagaCompensate"

	compensateReasonPrefix = "Vote creation failed: "
	lockPrefix             = "vote-saga:"

	handlerYuanReserved = "yuan-reserved"
	handlerFailed       = "failed"
)

// CreateIdempotencyKey 投票创建步骤的幂等键
func CreateIdempotencyKey(sagaID string) string {
	return "vote-saga-create:" + sagaID
}

func compensateIdempotencyKey(sagaID string) string {
	return "vote-saga-compensate:" + sagaID
}

// VoteStore 投票存储
type VoteStore interface {
	SaveVote(ctx context.Context, vote *model.Vote) (*model.Vote, error)
	DeleteVote(ctx context.Context, id int64) error
	FindVoteBySagaID(ctx context.Context, sagaID string) (*model.Vote, error)
	// FindLegacyVote 只匹配没有saga_id的投票
	FindLegacyVote(ctx context.Context, userID uuid.UUID, novelID int64) (*model.Vote, error)
	CountVotesByNovelID(ctx context.Context, novelID int64) (int64, error)
}

// IdempotencyStore 幂等标记
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, key, kind string) (bool, error)
	MarkAsProcessed(ctx context.Context, key, kind string) error
}

// NovelLookup 内容服务，不存在时返回 model.ErrNovelNotFound
type NovelLookup interface {
	GetNovelByID(ctx context.Context, novelID int64) (*model.Novel, error)
}

// EventPublisher saga事件发送
type EventPublisher interface {
	PublishVoteCreated(ctx context.Context, ev *model.VoteSagaVoteCreatedEvent) error
	PublishSagaFailure(ctx context.Context, failed *model.VoteSagaFailedEvent, compensate *model.VoteSagaCompensateYuanEvent) error
	PublishNovelVoteCountUpdate(ctx context.Context, ev *model.NovelVoteCountUpdateEvent) error
}

// Locker 按sagaId互斥，lock.Lock 的子集
type Locker interface {
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockName string) error
}

// VoteSagaListener 处理投票saga事件
type VoteSagaListener struct {
	votes       VoteStore
	idempotency IdempotencyStore
	novels      NovelLookup
	events      EventPublisher
	locker      Locker

	cfg     config.SagaConfig
	topics  config.TopicsConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewVoteSagaListener locker 和 m 可以为 nil
func NewVoteSagaListener(
	votes VoteStore,
	idempotency IdempotencyStore,
	novels NovelLookup,
	events EventPublisher,
	locker Locker,
	cfg config.SagaConfig,
	topics config.TopicsConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *VoteSagaListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &VoteSagaListener{
		votes:       votes,
		idempotency: idempotency,
		novels:      novels,
		events:      events,
		locker:      locker,
		cfg:         cfg,
		topics:      topics,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Routes 主题到处理器的路由表
func (l *VoteSagaListener) Routes() map[string]intkafka.Handler {
	routes := map[string]intkafka.Handler{
		l.topics.YuanReserved: l.onYuanReserved,
	}
	if l.cfg.LegacyFailedListener {
		routes[l.topics.Failed] = l.onFailed
	}
	return routes
}

func (l *VoteSagaListener) onYuanReserved(ctx context.Context, msg *intkafka.Message) error {
	var ev model.VoteSagaYuanReservedEvent
	if err := model.DecodeEvent(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: %v", intkafka.ErrDiscard, err)
	}
	return l.HandleYuanReserved(ctx, &ev)
}

func (l *VoteSagaListener) onFailed(ctx context.Context, msg *intkafka.Message) error {
	var ev model.VoteSagaFailedEvent
	if err := model.DecodeEvent(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: %v", intkafka.ErrDiscard, err)
	}
	return l.HandleFailed(ctx, &ev)
}

// HandleYuanReserved 校验并创建投票。
// 校验失败时发出 Failed 与 CompensateYuan 并返回 nil；基础设施错误原样返回以便重新投递。
func (l *VoteSagaListener) HandleYuanReserved(ctx context.Context, ev *model.VoteSagaYuanReservedEvent) error {
	start := l.now()
	outcome := metrics.OutcomeError
	defer func() {
		l.metrics.RecordSagaOutcome(ctx, handlerYuanReserved, outcome, l.now().Sub(start))
	}()

	if ev.SagaID == "" {
		outcome = metrics.OutcomeSkipped
		return fmt.Errorf("%w: 元宝预留事件缺少sagaId", intkafka.ErrDiscard)
	}

	log := l.logger.With(zap.String("sagaId", ev.SagaID), zap.Int64("novelId", ev.NovelID))
	log.Info("收到元宝预留事件", zap.Stringer("userId", ev.UserID), zap.Stringer("reservationId", ev.ReservationID))

	release, err := l.acquire(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	defer release()

	key := CreateIdempotencyKey(ev.SagaID)
	processed, err := l.idempotency.IsProcessed(ctx, key, OperationVoteSagaCreate)
	if err != nil {
		return fmt.Errorf("检查幂等记录失败: %w", err)
	}
	if processed {
		log.Info("saga已处理，跳过重复消息")
		outcome = metrics.OutcomeDuplicate
		return nil
	}

	if err := l.validate(ctx, ev); err != nil {
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			return err
		}
		log.Warn("投票校验失败，请求补偿", zap.String("reason", vErr.Reason), zap.Error(vErr.Err))
		if err := l.failSaga(ctx, ev, vErr); err != nil {
			return err
		}
		outcome = metrics.OutcomeFailed
		return nil
	}

	vote := model.NewVote(ev.UserID, ev.NovelID, l.now())
	vote.SagaID = ev.SagaID
	saved, err := l.votes.SaveVote(ctx, vote)
	if err != nil {
		return fmt.Errorf("保存投票失败: %w", err)
	}

	count, err := l.votes.CountVotesByNovelID(ctx, ev.NovelID)
	if err != nil {
		return fmt.Errorf("统计小说票数失败: %w", err)
	}

	created := &model.VoteSagaVoteCreatedEvent{
		SagaID:        ev.SagaID,
		UserID:        ev.UserID,
		NovelID:       ev.NovelID,
		VoteID:        saved.ID,
		ReservationID: ev.ReservationID,
		Timestamp:     model.NewTimestamp(l.now()),
	}
	if err := l.events.PublishVoteCreated(ctx, created); err != nil {
		return &PublishError{Event: "VoteCreated", Err: err}
	}

	if err := l.events.PublishNovelVoteCountUpdate(ctx, model.NewNovelVoteCountUpdateEvent(ev.NovelID, count, l.now())); err != nil {
		return &PublishError{Event: "NovelVoteCountUpdate", Err: err}
	}

	if err := l.idempotency.MarkAsProcessed(ctx, key, OperationVoteSagaCreate); err != nil {
		return fmt.Errorf("标记saga已处理失败: %w", err)
	}

	log.Info("投票创建成功", zap.Int64("voteId", saved.ID), zap.Int64("voteCount", count))
	outcome = metrics.OutcomeSuccess
	return nil
}

// validate 校验失败返回 *ValidationError。
// 处理本身被取消时返回上下文错误，消息不提交也不补偿。
func (l *VoteSagaListener) validate(ctx context.Context, ev *model.VoteSagaYuanReservedEvent) error {
	lookupCtx, cancel := context.WithTimeout(ctx, l.cfg.ValidationTimeout)
	defer cancel()

	novel, err := l.novels.GetNovelByID(lookupCtx, ev.NovelID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("校验小说时处理被取消: %w", ctxErr)
	}
	switch {
	case errors.Is(err, model.ErrNovelNotFound):
		return &ValidationError{Reason: ReasonNovelNotFound, Code: codeNovelNotFound}
	case err != nil:
		return &ValidationError{
			Reason: "failed to validate novel: " + err.Error(),
			Code:   codeNovelLookupFailed,
			Err:    err,
		}
	case novel == nil:
		return &ValidationError{Reason: ReasonNovelNotFound, Code: codeNovelNotFound}
	case novel.AuthorID != nil && *novel.AuthorID == ev.UserID:
		return &ValidationError{Reason: ReasonSelfVote, Code: codeSelfVote}
	}
	return nil
}

// failSaga 补偿请求与失败事件同批发送，不写幂等标记
func (l *VoteSagaListener) failSaga(ctx context.Context, ev *model.VoteSagaYuanReservedEvent, vErr *ValidationError) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("发送补偿前处理被取消: %w", err)
	}
	ts := model.NewTimestamp(l.now())
	reservationID := ev.ReservationID

	failed := &model.VoteSagaFailedEvent{
		SagaID:        ev.SagaID,
		UserID:        ev.UserID,
		NovelID:       ev.NovelID,
		Reason:        vErr.Reason,
		ReservationID: &reservationID,
		Timestamp:     ts,
	}
	compensate := &model.VoteSagaCompensateYuanEvent{
		SagaID:        ev.SagaID,
		UserID:        ev.UserID,
		ReservationID: reservationID,
		Reason:        compensateReasonPrefix + vErr.Reason,
		Timestamp:     ts,
	}

	if err := l.events.PublishSagaFailure(ctx, failed, compensate); err != nil {
		return &PublishError{Event: "Failed+CompensateYuan", Err: err}
	}
	l.metrics.RecordCompensation(ctx, vErr.Code)
	return nil
}

// HandleFailed 删除失败saga创建的投票并重新发布票数。
//
// Deprecated: 投票只在校验通过后创建，本服务发出的 Failed 不会对应已创建的投票。
// 仅在 saga.legacy_failed_listener 打开时订阅，用于清理旧版本遗留的数据。
func (l *VoteSagaListener) HandleFailed(ctx context.Context, ev *model.VoteSagaFailedEvent) error {
	start := l.now()
	outcome := metrics.OutcomeError
	defer func() {
		l.metrics.RecordSagaOutcome(ctx, handlerFailed, outcome, l.now().Sub(start))
	}()

	if ev.SagaID == "" {
		outcome = metrics.OutcomeSkipped
		return fmt.Errorf("%w: 失败事件缺少sagaId", intkafka.ErrDiscard)
	}

	log := l.logger.With(zap.String("sagaId", ev.SagaID), zap.Int64("novelId", ev.NovelID))
	log.Info("收到saga失败事件", zap.String("reason", ev.Reason))

	release, err := l.acquire(ctx, ev.SagaID)
	if err != nil {
		return err
	}
	defer release()

	created, err := l.idempotency.IsProcessed(ctx, CreateIdempotencyKey(ev.SagaID), OperationVoteSagaCreate)
	if err != nil {
		return fmt.Errorf("检查幂等记录失败: %w", err)
	}
	if !created {
		log.Info("saga未创建投票，无需补偿")
		outcome = metrics.OutcomeSkipped
		return nil
	}

	compensateKey := compensateIdempotencyKey(ev.SagaID)
	compensated, err := l.idempotency.IsProcessed(ctx, compensateKey, OperationVoteSagaCompensate)
	if err != nil {
		return fmt.Errorf("检查补偿幂等记录失败: %w", err)
	}
	if compensated {
		log.Info("saga已补偿，跳过重复消息")
		outcome = metrics.OutcomeDuplicate
		return nil
	}

	vote, err := l.votes.FindVoteBySagaID(ctx, ev.SagaID)
	if err != nil {
		return fmt.Errorf("查询待补偿投票失败: %w", err)
	}
	if vote == nil {
		// 旧版本写入的投票没有saga_id
		if ev.UserID == uuid.Nil || ev.NovelID == 0 {
			log.Warn("失败事件缺少userId或novelId，无法补偿")
			outcome = metrics.OutcomeSkipped
			return nil
		}
		vote, err = l.votes.FindLegacyVote(ctx, ev.UserID, ev.NovelID)
		if err != nil {
			return fmt.Errorf("查询待补偿投票失败: %w", err)
		}
	}
	if vote == nil {
		log.Warn("未找到待补偿的投票", zap.Stringer("userId", ev.UserID))
		outcome = metrics.OutcomeSkipped
		return nil
	}

	if err := l.votes.DeleteVote(ctx, vote.ID); err != nil {
		return fmt.Errorf("删除投票失败: %w", err)
	}

	count, err := l.votes.CountVotesByNovelID(ctx, vote.NovelID)
	if err != nil {
		return fmt.Errorf("统计小说票数失败: %w", err)
	}

	if err := l.events.PublishNovelVoteCountUpdate(ctx, model.NewNovelVoteCountUpdateEvent(vote.NovelID, count, l.now())); err != nil {
		return &PublishError{Event: "NovelVoteCountUpdate", Err: err}
	}

	if err := l.idempotency.MarkAsProcessed(ctx, compensateKey, OperationVoteSagaCompensate); err != nil {
		return fmt.Errorf("标记saga已补偿失败: %w", err)
	}

	log.Info("已删除投票并更新票数", zap.Int64("voteId", vote.ID), zap.Int64("voteCount", count))
	outcome = metrics.OutcomeSuccess
	return nil
}

// acquire 获取saga锁并在处理期间续期，未配置锁时直接返回
func (l *VoteSagaListener) acquire(ctx context.Context, sagaID string) (func(), error) {
	if l.locker == nil {
		return func() {}, nil
	}

	name := lockPrefix + sagaID
	ok, err := l.locker.AcquireLock(ctx, name, l.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("获取saga锁失败: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaBusy, sagaID)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepLock(ctx, name, stop)
	}()

	return func() {
		close(stop)
		<-done

		// 处理被取消时也要释放锁
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := l.locker.ReleaseLock(releaseCtx, name); err != nil {
			l.logger.Warn("释放saga锁失败", zap.String("sagaId", sagaID), zap.Error(err))
		}
	}, nil
}

// keepLock 每隔 LockTTL/3 续期一次，直到 stop 关闭或锁丢失
func (l *VoteSagaListener) keepLock(ctx context.Context, name string, stop <-chan struct{}) {
	interval := max(l.cfg.LockTTL/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, interval)
		ok, err := l.locker.RefreshLock(refreshCtx, name, l.cfg.LockTTL)
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("续期saga锁失败", zap.String("lock", name), zap.Error(err))
		case !ok:
			l.logger.Warn("saga锁已丢失，停止续期", zap.String("lock", name))
			return
		}
	}
}
