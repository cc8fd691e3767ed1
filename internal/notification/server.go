package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/pushboard/internal/auth"
	"github.com/nao1215/pushboard/pkg/middleware"
	"go.uber.org/zap"
)

// TokenVerifier はIDトークンを検証する。
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Principal, error)
}

// ServerConfig はServerの構成。
type ServerConfig struct {
	// Port はサーバーのリッスンポート。
	Port string
	// Store は通知とユーザーのストア。必須。
	Store *Store
	// Verifier はIDトークンの検証器。nilの場合、認証が必要なエンドポイントは500を返す。
	Verifier TokenVerifier
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Metrics は /metrics で公開するハンドラ。nilの場合は公開しない。
	Metrics http.Handler
	// Logger はロガー。
	Logger *zap.Logger
}

// Server は通知APIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知とユーザーのストア。
	store *Store
	// verifier はIDトークンの検証器。
	verifier TokenVerifier
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		port:     cfg.Port,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		logger:   logger,
	}
	s.setupRoutes(cfg.Metrics)
	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでブロックする。
// キャンセル後は処理中のリクエストを待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%s", s.port))
	if err != nil {
		return fmt.Errorf("ポートのリッスンに失敗: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(metrics http.Handler) {
	// ログイン確認
	s.router.GET("/auth/google", s.handleGoogleAuth())

	notifications := s.router.Group("/notifications")
	{
		// 配信済み通知一覧取得
		notifications.GET("", s.handleListSent())
		// 通知作成（登録済みユーザーのみ）
		notifications.POST("", middleware.IDTokenAuth(s.verifyFunc(), s.store.IsUserKnown), s.handleCreate())
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}
}

// verifyFunc は検証器をミドルウェア用の関数に変換する。検証器がない場合はnilを返す。
func (s *Server) verifyFunc() middleware.VerifyFunc {
	if s.verifier == nil {
		return nil
	}
	return func(ctx context.Context, token string) (string, error) {
		p, err := s.verifier.Verify(ctx, token)
		if err != nil {
			return "", err
		}
		return p.Email, nil
	}
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の識別子。
	ID int64 `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Content は通知の本文。
	Content string `json:"content"`
	// Excerpt は本文の冒頭1文。
	Excerpt string `json:"excerpt"`
	// LeadingImage は添付画像のURL。
	LeadingImage *string `json:"leadingImage"`
	// ScheduledTime は配信予定日時（RFC3339形式）。
	ScheduledTime string `json:"scheduled_time"`
	// Sent は配信済みかどうか。
	Sent bool `json:"sent"`
}

// toNotificationResponse は通知をJSONレスポンスに変換する。
func toNotificationResponse(r Record) notificationResponse {
	resp := notificationResponse{
		ID:            r.ID,
		Title:         r.Title,
		Content:       r.Body,
		Excerpt:       r.Excerpt,
		ScheduledTime: r.ScheduledAt.Format(time.RFC3339),
		Sent:          r.State == StateSent,
	}
	if r.Image != "" {
		img := r.Image
		resp.LeadingImage = &img
	}
	return resp
}

// handleGoogleAuth はIDトークンを検証し、登録済みユーザーであれば成功を返すハンドラ。
func (s *Server) handleGoogleAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			s.logger.Error("IDトークンの検証器が設定されていません")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "サーバーの設定が不正です"})
			return
		}

		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenが必要です"})
			return
		}

		p, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			// 拒否理由は検証器がデバッグログに出す。クライアントには区別せず返す
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		known, err := s.store.IsUserKnown(c.Request.Context(), p.Email)
		if err != nil {
			s.logger.Error("ユーザーの確認に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの確認に失敗しました"})
			return
		}
		if !known {
			c.JSON(http.StatusForbidden, gin.H{"error": "このユーザーには権限がありません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "success", "email": p.Email})
	}
}

// handleListSent は配信済み通知の一覧を返すハンドラ。
func (s *Server) handleListSent() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.store.ListSent(c.Request.Context(), MaxListLimit)
		if err != nil {
			s.logger.Error("通知一覧の取得に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			return
		}

		resp := make([]notificationResponse, 0, len(records))
		for _, r := range records {
			resp = append(resp, toNotificationResponse(r))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// createRequest は通知作成リクエストのJSON構造。
type createRequest struct {
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Content は通知の本文。
	Content string `json:"content" binding:"required"`
	// LeadingImage は添付画像のURL。
	LeadingImage string `json:"leadingImage"`
	// ScheduledTime は配信予定日時（RFC3339形式）。
	ScheduledTime time.Time `json:"scheduled_time" binding:"required"`
}

// handleCreate は通知を作成するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		r, err := s.store.Create(c.Request.Context(), CreateParams{
			Title:       req.Title,
			Body:        req.Content,
			Image:       req.LeadingImage,
			ScheduledAt: req.ScheduledTime,
		})
		if errors.Is(err, ErrInvalidParams) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			s.logger.Error("通知の作成に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			return
		}

		s.logger.Info("通知を作成",
			zap.Int64("id", r.ID),
			zap.String("author", middleware.GetEmail(c)),
			zap.Time("scheduled_at", r.ScheduledAt),
		)
		c.JSON(http.StatusCreated, toNotificationResponse(r))
	}
}

// handleHealth はストアへの疎通を確認するハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "pushboard"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pushboard"})
	}
}
