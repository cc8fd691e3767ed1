package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NotificationAggregateID は通知IDからイベントの集約IDを組み立てる。
func NotificationAggregateID(id int64) string {
	return "notification-" + strconv.FormatInt(id, 10)
}

// NewNotificationSent は通知が配信済みになったことを表すイベントを生成する。
// 通知は一度しか配信済みにならないため、バージョンは常に1とする。
func NewNotificationSent(data NotificationSentData) (*Event, error) {
	return New(NotificationAggregateID(data.NotificationID), AggregateTypeNotification, TypeNotificationSent, 1, data)
}

// NewNotificationRejected はゲートウェイが通知を拒否したことを表すイベントを生成する。
// 拒否は再送のたびに起こりうるため、バージョンは0（順序なし）とする。
func NewNotificationRejected(data NotificationRejectedData) (*Event, error) {
	return New(NotificationAggregateID(data.NotificationID), AggregateTypeNotification, TypeNotificationRejected, 0, data)
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
