package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNovelNotFound 内容服务中不存在该小说
var ErrNovelNotFound = errors.New("novel not found")

// Vote 投票记录
type Vote struct {
	ID         int64     `json:"id"`
	SagaID     string    `json:"sagaId,omitempty"` // 非saga创建的投票为空
	UserID     uuid.UUID `json:"userId"`
	NovelID    int64     `json:"novelId"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// NewVote 创建带默认时间戳的投票
func NewVote(userID uuid.UUID, novelID int64, now time.Time) *Vote {
	return &Vote{
		UserID:     userID,
		NovelID:    novelID,
		CreateTime: now,
		UpdateTime: now,
	}
}

// Novel 内容服务返回的小说信息，只保留投票需要的字段
type Novel struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	AuthorID *uuid.UUID `json:"authorId"`
}

// UserVote 用户投票列表中的一项
type UserVote struct {
	ID         int64     `json:"id"`
	NovelID    int64     `json:"novelId"`
	NovelTitle string    `json:"novelTitle"`
	VotedTime  time.Time `json:"votedTime"`
}

// Page 分页结果
type Page[T any] struct {
	Content       []T   `json:"content"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
}

// TotalPages 总页数
func (p *Page[T]) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return int((p.TotalElements + int64(p.Size) - 1) / int64(p.Size))
}
