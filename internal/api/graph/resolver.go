package graph

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	graphql "github.com/graph-gophers/graphql-go"

	"github.com/lvdashuaibi/votesaga/internal/model"
	"github.com/lvdashuaibi/votesaga/internal/service"
)

const (
	defaultPage = 0
	defaultSize = 10

	sagaStatusStarted = "STARTED"
)

// VoteAPI 解析器依赖的投票服务
type VoteAPI interface {
	StartVoteSaga(ctx context.Context, userID uuid.UUID, novelID int64) (*service.SagaStarted, error)
	GetUserVotes(ctx context.Context, userID uuid.UUID, page, size int) (*model.Page[model.UserVote], error)
	GetNovelVoteCount(ctx context.Context, novelID int64) (int64, error)
	GetVote(ctx context.Context, id int64) (*model.UserVote, error)
}

const schemaString = `
type VoteSaga {
  sagaId: String!
  userId: String!
  novelId: Int!
  status: String!
  startedAt: String!
}

type UserVote {
  id: ID!
  novelId: Int!
  novelTitle: String!
  votedTime: String!
}

type UserVotePage {
  content: [UserVote!]!
  page: Int!
  size: Int!
  totalElements: Int!
  totalPages: Int!
}

type Query {
  # 分页查询用户投票，page 从0开始
  userVotes(userId: String!, page: Int, size: Int): UserVotePage!

  # 单条投票，不存在时为null
  vote(id: ID!): UserVote

  # 小说当前票数
  novelVoteCount(novelId: Int!): Int!
}

type Mutation {
  # 发起投票saga，结果异步返回
  startVote(userId: String!, novelId: Int!): VoteSaga!
}

schema {
  query: Query
  mutation: Mutation
}
`

// Resolver GraphQL根解析器
type Resolver struct {
	votes VoteAPI
}

func NewResolver(votes VoteAPI) *Resolver {
	return &Resolver{votes: votes}
}

// StartVote 发起投票saga
func (r *Resolver) StartVote(ctx context.Context, args struct {
	UserID  string
	NovelID int32
}) (*VoteSagaResolver, error) {
	userID, err := parseUserID(args.UserID)
	if err != nil {
		return nil, err
	}
	started, err := r.votes.StartVoteSaga(ctx, userID, int64(args.NovelID))
	if err != nil {
		return nil, err
	}
	return &VoteSagaResolver{saga: started}, nil
}

// UserVotes 用户投票列表
func (r *Resolver) UserVotes(ctx context.Context, args struct {
	UserID string
	Page   *int32
	Size   *int32
}) (*UserVotePageResolver, error) {
	userID, err := parseUserID(args.UserID)
	if err != nil {
		return nil, err
	}
	page, size := defaultPage, defaultSize
	if args.Page != nil {
		page = int(*args.Page)
	}
	if args.Size != nil {
		size = int(*args.Size)
	}

	result, err := r.votes.GetUserVotes(ctx, userID, page, size)
	if err != nil {
		return nil, err
	}
	return &UserVotePageResolver{page: result}, nil
}

// Vote 按ID查询投票
func (r *Resolver) Vote(ctx context.Context, args struct{ ID graphql.ID }) (*UserVoteResolver, error) {
	id, err := strconv.ParseInt(string(args.ID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: 无效的投票ID: %s", service.ErrInvalidArgument, args.ID)
	}
	vote, err := r.votes.GetVote(ctx, id)
	if err != nil || vote == nil {
		return nil, err
	}
	return &UserVoteResolver{vote: *vote}, nil
}

// NovelVoteCount 小说票数
func (r *Resolver) NovelVoteCount(ctx context.Context, args struct{ NovelID int32 }) (int32, error) {
	count, err := r.votes.GetNovelVoteCount(ctx, int64(args.NovelID))
	if err != nil {
		return 0, err
	}
	return clampInt32(count), nil
}

// clampInt32 GraphQL Int 是32位，超出范围时取边界值
func clampInt32(n int64) int32 {
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < math.MinInt32:
		return math.MinInt32
	}
	return int32(n)
}

func parseUserID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: 无效的用户ID: %s", service.ErrInvalidArgument, s)
	}
	return id, nil
}

// VoteSagaResolver 已发起的saga
type VoteSagaResolver struct {
	saga *service.SagaStarted
}

func (r *VoteSagaResolver) SagaID() string    { return r.saga.SagaID }
func (r *VoteSagaResolver) UserID() string    { return r.saga.UserID.String() }
func (r *VoteSagaResolver) NovelID() int32    { return int32(r.saga.NovelID) }
func (r *VoteSagaResolver) Status() string    { return sagaStatusStarted }
func (r *VoteSagaResolver) StartedAt() string { return r.saga.StartedAt.Format(time.RFC3339) }

// UserVoteResolver 用户投票
type UserVoteResolver struct {
	vote model.UserVote
}

func (r *UserVoteResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.vote.ID, 10))
}

func (r *UserVoteResolver) NovelID() int32 {
	return int32(r.vote.NovelID)
}

func (r *UserVoteResolver) NovelTitle() string {
	return r.vote.NovelTitle
}

func (r *UserVoteResolver) VotedTime() string {
	return r.vote.VotedTime.Format(time.RFC3339)
}

// UserVotePageResolver 分页结果
type UserVotePageResolver struct {
	page *model.Page[model.UserVote]
}

func (r *UserVotePageResolver) Content() []*UserVoteResolver {
	out := make([]*UserVoteResolver, len(r.page.Content))
	for i, v := range r.page.Content {
		out[i] = &UserVoteResolver{vote: v}
	}
	return out
}

func (r *UserVotePageResolver) Page() int32          { return int32(r.page.Page) }
func (r *UserVotePageResolver) Size() int32          { return int32(r.page.Size) }
func (r *UserVotePageResolver) TotalElements() int32 { return clampInt32(r.page.TotalElements) }
func (r *UserVotePageResolver) TotalPages() int32    { return clampInt32(int64(r.page.TotalPages())) }
