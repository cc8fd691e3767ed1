// Package event は配信パイプラインが発行するドメインイベントを定義する。
//
// 配信済みとして確定した通知は NotificationSent イベントとして
// Event Storeに追記され、監査や後続処理の起点になる。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

// AggregateTypeNotification は通知エンティティを表す。
const AggregateTypeNotification AggregateType = "Notification"

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationSent は通知がゲートウェイに配信され、送信済みとして記録されたことを表す。
	TypeNotificationSent Type = "NotificationSent"
	// TypeNotificationRejected はゲートウェイが通知を恒久的に拒否したことを表す。
	TypeNotificationRejected Type = "NotificationRejected"
)

// Event はEvent Storeに追記される不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// NotificationID は送信済みになった通知のID。
	NotificationID int64 `json:"notification_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// CycleID は送信を行った配信サイクルの識別子。
	CycleID string `json:"cycle_id"`
}

// NotificationRejectedData はNotificationRejectedイベントのデータ。
type NotificationRejectedData struct {
	// NotificationID は拒否された通知のID。
	NotificationID int64 `json:"notification_id"`
	// StatusCode はゲートウェイが返したHTTPステータスコード。
	StatusCode int `json:"status_code"`
	// CycleID は配信を試みたサイクルの識別子。
	CycleID string `json:"cycle_id"`
}
