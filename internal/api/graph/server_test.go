package graph

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/votesaga/internal/model"
	"github.com/lvdashuaibi/votesaga/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeVotes struct {
	startedUser  uuid.UUID
	startedNovel int64
	page, size   int
	total        int64
	startErr     error
	gotVoteID    int64
}

func (f *fakeVotes) StartVoteSaga(_ context.Context, userID uuid.UUID, novelID int64) (*service.SagaStarted, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startedUser, f.startedNovel = userID, novelID
	return &service.SagaStarted{
		SagaID:    "saga-1",
		UserID:    userID,
		NovelID:   novelID,
		StartedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeVotes) GetUserVotes(_ context.Context, _ uuid.UUID, page, size int) (*model.Page[model.UserVote], error) {
	f.page, f.size = page, size
	return &model.Page[model.UserVote]{
		Content: []model.UserVote{
			{ID: 5, NovelID: 7, NovelTitle: "遮天", VotedTime: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		},
		Page:          page,
		Size:          size,
		TotalElements: cmp.Or(f.total, 21),
	}, nil
}

func (f *fakeVotes) GetVote(_ context.Context, id int64) (*model.UserVote, error) {
	f.gotVoteID = id
	if id != 5 {
		return nil, nil
	}
	return &model.UserVote{ID: 5, NovelID: 7, NovelTitle: "遮天", VotedTime: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeVotes) GetNovelVoteCount(context.Context, int64) (int64, error) {
	return 33, nil
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func doQuery(t *testing.T, s *Server, query string) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{"query": query})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gqlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStartVoteMutation(t *testing.T) {
	votes := &fakeVotes{}
	s := NewServer(votes, Options{}, nil)
	userID := uuid.New()

	resp := doQuery(t, s, `mutation { startVote(userId: "`+userID.String()+`", novelId: 7) { sagaId status novelId } }`)
	require.Empty(t, resp.Errors)

	var out struct {
		SagaID  string `json:"sagaId"`
		Status  string `json:"status"`
		NovelID int    `json:"novelId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data["startVote"], &out))
	assert.Equal(t, "saga-1", out.SagaID)
	assert.Equal(t, "STARTED", out.Status)
	assert.Equal(t, 7, out.NovelID)
	assert.Equal(t, userID, votes.startedUser)
}

func TestStartVoteRejectsBadUserID(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{}, nil)

	resp := doQuery(t, s, `mutation { startVote(userId: "nope", novelId: 7) { sagaId } }`)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "无效的用户ID")
}

func TestStartVoteSurfacesServiceError(t *testing.T) {
	s := NewServer(&fakeVotes{startErr: service.ErrSelfVote}, Options{}, nil)

	resp := doQuery(t, s, `mutation { startVote(userId: "`+uuid.NewString()+`", novelId: 7) { sagaId } }`)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "cannot vote your own novel")
}

func TestUserVotesQueryDefaults(t *testing.T) {
	votes := &fakeVotes{}
	s := NewServer(votes, Options{}, nil)

	resp := doQuery(t, s, `{ userVotes(userId: "`+uuid.NewString()+`") { totalElements totalPages content { id novelTitle votedTime } } }`)
	require.Empty(t, resp.Errors)
	assert.Equal(t, defaultPage, votes.page)
	assert.Equal(t, defaultSize, votes.size)

	var out struct {
		TotalElements int `json:"totalElements"`
		TotalPages    int `json:"totalPages"`
		Content       []struct {
			ID         string `json:"id"`
			NovelTitle string `json:"novelTitle"`
			VotedTime  string `json:"votedTime"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Data["userVotes"], &out))
	assert.Equal(t, 21, out.TotalElements)
	assert.Equal(t, 3, out.TotalPages)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "5", out.Content[0].ID)
	assert.Equal(t, "遮天", out.Content[0].NovelTitle)
	assert.Equal(t, "2025-02-01T00:00:00Z", out.Content[0].VotedTime)
}

func TestUserVotesQueryClampsLargeTotals(t *testing.T) {
	s := NewServer(&fakeVotes{total: 1 << 40}, Options{}, nil)

	resp := doQuery(t, s, `{ userVotes(userId: "`+uuid.NewString()+`") { totalElements totalPages } }`)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"totalElements": 2147483647, "totalPages": 2147483647}`, string(resp.Data["userVotes"]))
}

func TestVoteQuery(t *testing.T) {
	votes := &fakeVotes{}
	s := NewServer(votes, Options{}, nil)

	resp := doQuery(t, s, `{ vote(id: "5") { id novelId novelTitle votedTime } }`)
	require.Empty(t, resp.Errors)
	assert.Equal(t, int64(5), votes.gotVoteID)
	assert.JSONEq(t, `{"id": "5", "novelId": 7, "novelTitle": "遮天", "votedTime": "2025-02-01T00:00:00Z"}`, string(resp.Data["vote"]))
}

func TestVoteQueryMissingIsNull(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{}, nil)

	resp := doQuery(t, s, `{ vote(id: "6") { id } }`)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, "null", string(resp.Data["vote"]))
}

func TestVoteQueryRejectsNonNumericID(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{}, nil)

	resp := doQuery(t, s, `{ vote(id: "abc") { id } }`)
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "invalid argument")
}

func TestNovelVoteCountQuery(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{}, nil)

	resp := doQuery(t, s, `{ novelVoteCount(novelId: 7) }`)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, "33", string(resp.Data["novelVoteCount"]))
}

func TestHealthz(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{HealthChecks: map[string]HealthCheck{
		"mysql": func(context.Context) error { return nil },
	}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"mysql":"ok"}}`, rec.Body.String())
}

func TestHealthzDegraded(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{HealthChecks: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("vote_saga_outcomes_total 1\n"))
	})
	s := NewServer(&fakeVotes{}, Options{MetricsPath: "/metrics", MetricsHandler: metricsHandler}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vote_saga_outcomes_total")
}

func TestPlaygroundUsesConfiguredPath(t *testing.T) {
	s := NewServer(&fakeVotes{}, Options{GraphQLPath: "/api/graphql"}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint: '/api/graphql'")
}
