package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/internal/model"
)

// 列表中找不到小说时使用的标题
const novelTitlePlaceholder = "Novel not found"

const maxPageSize = 100

var (
	// ErrInvalidArgument 请求参数不合法
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSelfVote 作者不能给自己的小说投票
	ErrSelfVote = errors.New("cannot vote your own novel")
)

// VoteReader 投票查询
type VoteReader interface {
	CountVotesByUserID(ctx context.Context, userID uuid.UUID) (int64, error)
	FindVotesByUserID(ctx context.Context, userID uuid.UUID, offset, limit int) ([]*model.Vote, error)
	CountVotesByNovelID(ctx context.Context, novelID int64) (int64, error)
	FindVoteByID(ctx context.Context, id int64) (*model.Vote, error)
}

// NovelCatalog 内容服务
type NovelCatalog interface {
	GetNovelByID(ctx context.Context, novelID int64) (*model.Novel, error)
	GetNovelsBatch(ctx context.Context, novelIDs []int64) ([]*model.Novel, error)
}

// SagaStarter 发送saga开始事件
type SagaStarter interface {
	PublishVoteSagaStart(ctx context.Context, ev *model.VoteSagaStartEvent) error
}

// SagaStarted 已发起的投票saga，结果通过事件异步返回
type SagaStarted struct {
	SagaID    string
	UserID    uuid.UUID
	NovelID   int64
	StartedAt time.Time
}

type VoteService struct {
	votes   VoteReader
	novels  NovelCatalog
	starter SagaStarter
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

func NewVoteService(votes VoteReader, novels NovelCatalog, starter SagaStarter, logger *zap.Logger) *VoteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteService{
		votes:   votes,
		novels:  novels,
		starter: starter,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// StartVoteSaga 预先校验小说后发起投票saga。
// saga参与方在预留元宝后还会再次校验。
func (s *VoteService) StartVoteSaga(ctx context.Context, userID uuid.UUID, novelID int64) (*SagaStarted, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: 用户ID不能为空", ErrInvalidArgument)
	}
	if novelID <= 0 {
		return nil, fmt.Errorf("%w: 无效的小说ID: %d", ErrInvalidArgument, novelID)
	}

	novel, err := s.novels.GetNovelByID(ctx, novelID)
	if err != nil {
		if errors.Is(err, model.ErrNovelNotFound) {
			return nil, fmt.Errorf("小说 %d 不存在: %w", novelID, err)
		}
		return nil, fmt.Errorf("查询小说 %d 失败: %w", novelID, err)
	}
	if novel.AuthorID != nil && *novel.AuthorID == userID {
		return nil, ErrSelfVote
	}

	started := &SagaStarted{
		SagaID:    s.newID(),
		UserID:    userID,
		NovelID:   novelID,
		StartedAt: s.now(),
	}
	ev := &model.VoteSagaStartEvent{
		SagaID:    started.SagaID,
		UserID:    userID,
		NovelID:   novelID,
		Timestamp: model.NewTimestamp(started.StartedAt),
	}
	if err := s.starter.PublishVoteSagaStart(ctx, ev); err != nil {
		return nil, fmt.Errorf("发起投票saga失败: %w", err)
	}

	s.logger.Info("投票saga已发起",
		zap.String("sagaId", started.SagaID),
		zap.Stringer("userId", userID),
		zap.Int64("novelId", novelID))
	return started, nil
}

// GetUserVotes 分页查询用户投票，page 从0开始
func (s *VoteService) GetUserVotes(ctx context.Context, userID uuid.UUID, page, size int) (*model.Page[model.UserVote], error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page不能为负数", ErrInvalidArgument)
	}
	if size <= 0 || size > maxPageSize {
		return nil, fmt.Errorf("%w: size必须在1到%d之间", ErrInvalidArgument, maxPageSize)
	}

	result := &model.Page[model.UserVote]{Content: []model.UserVote{}, Page: page, Size: size}

	total, err := s.votes.CountVotesByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("统计用户投票失败: %w", err)
	}
	result.TotalElements = total
	if total == 0 {
		return result, nil
	}

	votes, err := s.votes.FindVotesByUserID(ctx, userID, page*size, size)
	if err != nil {
		return nil, fmt.Errorf("查询用户投票失败: %w", err)
	}
	if len(votes) == 0 {
		return result, nil
	}

	titles := s.novelTitles(ctx, votes)
	for _, v := range votes {
		title, ok := titles[v.NovelID]
		if !ok {
			title = novelTitlePlaceholder
		}
		result.Content = append(result.Content, model.UserVote{
			ID:         v.ID,
			NovelID:    v.NovelID,
			NovelTitle: title,
			VotedTime:  v.CreateTime,
		})
	}
	return result, nil
}

// GetVote 按ID查询单条投票，不存在时返回nil
func (s *VoteService) GetVote(ctx context.Context, id int64) (*model.UserVote, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: 无效的投票ID: %d", ErrInvalidArgument, id)
	}
	vote, err := s.votes.FindVoteByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}
	if vote == nil {
		return nil, nil
	}

	title := novelTitlePlaceholder
	novel, err := s.novels.GetNovelByID(ctx, vote.NovelID)
	switch {
	case err == nil && novel != nil:
		title = novel.Title
	case err != nil && !errors.Is(err, model.ErrNovelNotFound):
		s.logger.Warn("查询小说失败", zap.Int64("novelId", vote.NovelID), zap.Error(err))
	}

	return &model.UserVote{
		ID:         vote.ID,
		NovelID:    vote.NovelID,
		NovelTitle: title,
		VotedTime:  vote.CreateTime,
	}, nil
}

// novelTitles 内容服务不可用时返回空表，调用方使用占位标题
func (s *VoteService) novelTitles(ctx context.Context, votes []*model.Vote) map[int64]string {
	seen := make(map[int64]struct{}, len(votes))
	ids := make([]int64, 0, len(votes))
	for _, v := range votes {
		if _, ok := seen[v.NovelID]; ok {
			continue
		}
		seen[v.NovelID] = struct{}{}
		ids = append(ids, v.NovelID)
	}

	titles := make(map[int64]string, len(ids))
	novels, err := s.novels.GetNovelsBatch(ctx, ids)
	if err != nil {
		s.logger.Warn("批量查询小说失败", zap.Int64s("novelIds", ids), zap.Error(err))
		return titles
	}
	for _, n := range novels {
		if n != nil {
			titles[n.ID] = n.Title
		}
	}
	return titles
}

// GetNovelVoteCount 小说当前票数
func (s *VoteService) GetNovelVoteCount(ctx context.Context, novelID int64) (int64, error) {
	if novelID <= 0 {
		return 0, fmt.Errorf("%w: 无效的小说ID: %d", ErrInvalidArgument, novelID)
	}
	count, err := s.votes.CountVotesByNovelID(ctx, novelID)
	if err != nil {
		return 0, fmt.Errorf("统计小说 %d 票数失败: %w", novelID, err)
	}
	return count, nil
}
