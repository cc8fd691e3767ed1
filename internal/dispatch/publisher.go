package dispatch

import (
	"context"
	"encoding/json"

	"github.com/nao1215/pushboard/internal/notification"
	"github.com/nao1215/pushboard/pkg/event"
	"github.com/nao1215/pushboard/pkg/httpclient"
	"go.uber.org/zap"
)

// Publisher は配信結果をイベントとしてEvent Storeに追記する。
// 追記の失敗はログに記録するだけで、配信サイクルの結果には影響しない。
type Publisher struct {
	// client はEvent Storeとの通信用HTTPクライアント。
	client *httpclient.Client
	// logger は送信失敗を出力するロガー。
	logger *zap.Logger
}

// NewPublisher は新しいPublisherを生成する。
// eventStoreURLが空の場合はnilを返す。nilのPublisherは何もしない。
func NewPublisher(eventStoreURL string, logger *zap.Logger) *Publisher {
	if eventStoreURL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: httpclient.New(eventStoreURL), logger: logger}
}

// appendEventRequest はEvent Storeへのイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType string `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// Publish はこのサイクルで配信済みに遷移した通知（marked）に NotificationSent を、
// 拒否された通知に NotificationRejected を発行する。
// 受理されても既に配信済みだった通知と一時的な失敗は発行しない。
func (p *Publisher) Publish(ctx context.Context, cycleID string, records []notification.Record, outcomes []Outcome, marked []int64) {
	if p == nil {
		return
	}

	titles := make(map[int64]string, len(records))
	for _, r := range records {
		titles[r.ID] = r.Title
	}
	transitioned := make(map[int64]bool, len(marked))
	for _, id := range marked {
		transitioned[id] = true
	}

	for _, o := range outcomes {
		var (
			ev  *event.Event
			err error
		)
		switch o.Result {
		case Delivered:
			if !transitioned[o.ID] {
				continue
			}
			ev, err = event.NewNotificationSent(event.NotificationSentData{
				NotificationID: o.ID, Title: titles[o.ID], CycleID: cycleID,
			})
		case PermanentFailure:
			ev, err = event.NewNotificationRejected(event.NotificationRejectedData{
				NotificationID: o.ID, StatusCode: o.StatusCode, CycleID: cycleID,
			})
		default:
			continue
		}
		if err != nil {
			p.logger.Warn("イベントの生成に失敗", zap.Int64("id", o.ID), zap.Error(err))
			continue
		}

		req := appendEventRequest{
			AggregateID:   ev.AggregateID,
			AggregateType: string(ev.AggregateType),
			EventType:     string(ev.EventType),
			Data:          ev.Data,
		}
		if err := p.client.PostJSON(ctx, "/api/v1/events", req, nil); err != nil {
			p.logger.Warn("イベントの送信に失敗",
				zap.Int64("id", o.ID), zap.String("event_type", req.EventType), zap.Error(err))
		}
	}
}
