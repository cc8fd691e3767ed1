package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nao1215/pushboard/internal/notification"
	"github.com/nao1215/pushboard/pkg/httpclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout は1件の送信に許す時間。
	DefaultTimeout = 5 * time.Second
	// DefaultConcurrency は同時に送信する件数の上限。
	DefaultConcurrency = 4
	// broadcastTopic は全購読端末に届くトピック名。
	broadcastTopic = "all"
	// clickAction は端末側で通知タップ時に起動するアクション。
	clickAction = "FLUTTER_NOTIFICATION_CLICK"
)

// ErrSendPanic は送信処理中にpanicが発生したことを表す。該当の通知は次のサイクルで再送される。
var ErrSendPanic = errors.New("通知の送信中にpanicが発生")

// Client はプッシュゲートウェイに通知を送信する。
type Client struct {
	// http はゲートウェイとの通信用HTTPクライアント。
	http *httpclient.Client
	// tokens はアクセストークンの取得元。
	tokens TokenSource
	// projectID は送信先のプロジェクトID。
	projectID string
	// concurrency は同時送信数の上限。
	concurrency int
	// logger は配信結果を出力するロガー。
	logger *zap.Logger
}

// ClientOption はClientの生成オプション。
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
}

// WithTimeout は1件の送信のタイムアウトを設定する。
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency は同時送信数の上限を設定する。
func WithConcurrency(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient は新しいClientを生成する。
// endpointにはゲートウェイのベースURL（例: "https://fcm.googleapis.com"）を指定する。
func NewClient(endpoint, projectID string, tokens TokenSource, opts ...ClientOption) *Client {
	cfg := clientConfig{
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		http:        httpclient.New(endpoint, httpclient.WithTimeout(cfg.timeout)),
		tokens:      tokens,
		projectID:   projectID,
		concurrency: cfg.concurrency,
		logger:      cfg.logger,
	}
}

// pushRequest はゲートウェイに送るリクエストのJSON構造。
type pushRequest struct {
	// Message は送信するメッセージ。
	Message pushMessage `json:"message"`
}

// pushMessage はメッセージ本体。
type pushMessage struct {
	// Topic は送信先のトピック。
	Topic string `json:"topic"`
	// Notification は端末に表示する内容。
	Notification pushNotification `json:"notification"`
	// Data はアプリに渡す追加データ。
	Data map[string]string `json:"data"`
}

// pushNotification は端末に表示する通知の内容。
type pushNotification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Image は添付画像のURL。
	Image string `json:"image,omitempty"`
}

// newPushRequest は通知からリクエストを組み立てる。
func newPushRequest(r notification.Record) pushRequest {
	return pushRequest{
		Message: pushMessage{
			Topic: broadcastTopic,
			Notification: pushNotification{
				Title: r.Title,
				Body:  r.Body,
				Image: r.Image,
			},
			Data: map[string]string{"click_action": clickAction},
		},
	}
}

// Dispatch は通知を1件送信し、その結果を返す。
func (c *Client) Dispatch(ctx context.Context, r notification.Record) Outcome {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Error("認証情報の取得に失敗", zap.Int64("id", r.ID), zap.Error(err))
		return Outcome{ID: r.ID, Result: PermanentFailure, Err: err}
	}
	return c.send(ctx, token, r)
}

// DispatchAll は通知をまとめて送信し、入力と同じ順序で結果を返す。
// 認証情報を取得できない場合は1件も送信せず、全件を PermanentFailure とする。
func (c *Client) DispatchAll(ctx context.Context, records []notification.Record) []Outcome {
	if len(records) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(records))
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Error("認証情報の取得に失敗したため配信を中止", zap.Int("count", len(records)), zap.Error(err))
		for i, r := range records {
			outcomes[i] = Outcome{ID: r.ID, Result: PermanentFailure, Err: err}
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, r := range records {
		g.Go(func() error {
			// errgroupはgoroutine内のpanicを呼び出し元に伝えないため、ここで回収する
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("通知の送信中にpanicが発生", zap.Int64("id", r.ID), zap.Any("panic", p), zap.Stack("stack"))
					outcomes[i] = Outcome{ID: r.ID, Result: TransientFailure, Err: fmt.Errorf("%w: %v", ErrSendPanic, p)}
				}
			}()
			outcomes[i] = c.send(ctx, token, r)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// send はゲートウェイにリクエストを送り、結果を分類する。
func (c *Client) send(ctx context.Context, token string, r notification.Record) Outcome {
	path := fmt.Sprintf("/v1/projects/%s/messages:send", url.PathEscape(c.projectID))
	err := c.http.PostJSON(httpclient.WithBearerToken(ctx, token), path, newPushRequest(r), nil)

	o := classify(r.ID, err)
	switch o.Result {
	case Delivered:
		c.logger.Debug("通知を送信", zap.Int64("id", r.ID))
	case TransientFailure:
		c.logger.Warn("通知の送信に一時的に失敗", zap.Int64("id", r.ID), zap.Int("status", o.StatusCode), zap.Error(err))
	case PermanentFailure:
		c.logger.Error("ゲートウェイが通知を拒否", zap.Int64("id", r.ID), zap.Int("status", o.StatusCode), zap.Error(err))
	}
	return o
}

// classify は送信エラーを配信結果に分類する。
func classify(id int64, err error) Outcome {
	if err == nil {
		return Outcome{ID: id, Result: Delivered}
	}

	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		// 通信エラー・タイムアウト・キャンセル
		return Outcome{ID: id, Result: TransientFailure, Err: err}
	}

	o := Outcome{ID: id, StatusCode: statusErr.StatusCode, Err: err}
	if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
		o.Result = TransientFailure
	} else {
		o.Result = PermanentFailure
	}
	return o
}
