package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"go.uber.org/zap"
)

// HealthCheck 依赖检查，返回 nil 表示可用
type HealthCheck func(ctx context.Context) error

// Options HTTP服务参数
type Options struct {
	Port            int
	GraphQLPath     string
	MetricsPath     string
	MetricsHandler  http.Handler
	HealthChecks    map[string]HealthCheck
	ShutdownTimeout time.Duration
}

// Server 提供GraphQL、健康检查和指标端点
type Server struct {
	opts   Options
	router *gin.Engine
	server *http.Server
	logger *zap.Logger
}

// NewServer 解析schema并注册路由，schema 与解析器不匹配时 panic
func NewServer(votes VoteAPI, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GraphQLPath == "" {
		opts.GraphQLPath = "/graphql"
	}

	schema := graphql.MustParseSchema(schemaString, NewResolver(votes),
		graphql.UseFieldResolvers(),
	)

	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))

	s := &Server{opts: opts, router: router, logger: logger}

	gql := gin.WrapH(&relay.Handler{Schema: schema})
	router.POST(opts.GraphQLPath, gql)
	router.GET(opts.GraphQLPath, gql)
	router.GET("/", s.playground)
	router.GET("/healthz", s.health)
	if opts.MetricsHandler != nil && opts.MetricsPath != "" {
		router.GET(opts.MetricsPath, gin.WrapH(opts.MetricsHandler))
	}

	return s
}

// Handler 用于测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 阻塞直到服务关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("GraphQL服务已启动",
		zap.String("addr", s.server.Addr),
		zap.String("graphql", s.opts.GraphQLPath),
		zap.String("metrics", s.opts.MetricsPath))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) playground(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, s.opts.GraphQLPath)))
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.opts.HealthChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("健康检查失败", zap.String("component", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// playgroundHTML GraphQL Playground，%s 为API端点
const playgroundHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Vote Saga GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function () {
      GraphQLPlayground.init(document.getElementById('root'), { endpoint: '%s' })
    })</script>
</body>
</html>
`
