package event

import (
	"encoding/json"
	"testing"
	"time"
)

// TestNew はNew関数でイベントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("NotificationSentDataでイベントを正常に生成できること", func(t *testing.T) {
		t.Parallel()

		data := NotificationSentData{NotificationID: 7, Title: "Sale", CycleID: "cycle-1"}

		before := time.Now().UTC()
		ev, err := New("notification-7", AggregateTypeNotification, TypeNotificationSent, 1, data)
		after := time.Now().UTC()
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}

		if ev.ID == "" {
			t.Error("IDが空文字列")
		}
		if ev.AggregateID != "notification-7" {
			t.Errorf("AggregateID = %q, want %q", ev.AggregateID, "notification-7")
		}
		if ev.AggregateType != AggregateTypeNotification {
			t.Errorf("AggregateType = %q, want %q", ev.AggregateType, AggregateTypeNotification)
		}
		if ev.EventType != TypeNotificationSent {
			t.Errorf("EventType = %q, want %q", ev.EventType, TypeNotificationSent)
		}
		if ev.CreatedAt.Before(before) || ev.CreatedAt.After(after) {
			t.Errorf("CreatedAt = %v, 期待する範囲: [%v, %v]", ev.CreatedAt, before, after)
		}

		var raw map[string]any
		if err := json.Unmarshal(ev.Data, &raw); err != nil {
			t.Fatalf("Dataのデシリアライズに失敗: %v", err)
		}
		if raw["notification_id"] != float64(7) {
			t.Errorf("notification_id = %v, want 7", raw["notification_id"])
		}
	})

	t.Run("連続して生成したイベントのIDが異なること", func(t *testing.T) {
		t.Parallel()

		data := NotificationRejectedData{NotificationID: 1, StatusCode: 400}
		ev1, err := New("notification-1", AggregateTypeNotification, TypeNotificationRejected, 1, data)
		if err != nil {
			t.Fatalf("1回目のNew()でエラーが発生: %v", err)
		}
		ev2, err := New("notification-1", AggregateTypeNotification, TypeNotificationRejected, 2, data)
		if err != nil {
			t.Fatalf("2回目のNew()でエラーが発生: %v", err)
		}
		if ev1.ID == ev2.ID {
			t.Errorf("異なるイベントが同じIDを持っている: %q", ev1.ID)
		}
	})

	t.Run("シリアライズ不可能なデータでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ev, err := New("notification-x", AggregateTypeNotification, TypeNotificationSent, 1, make(chan int))
		if err == nil {
			t.Fatal("New()がエラーを返すべきだが、nilが返った")
		}
		if ev != nil {
			t.Error("エラー時にnilでないEventが返った")
		}
	})
}

// TestNewNotificationEvents は通知イベントのコンストラクタを検証する。
func TestNewNotificationEvents(t *testing.T) {
	t.Parallel()

	t.Run("配信済みイベントは通知IDから集約IDを組み立てバージョン1になること", func(t *testing.T) {
		t.Parallel()

		ev, err := NewNotificationSent(NotificationSentData{NotificationID: 12, Title: "Sale", CycleID: "c"})
		if err != nil {
			t.Fatalf("NewNotificationSent()でエラーが発生: %v", err)
		}
		if ev.AggregateID != "notification-12" {
			t.Errorf("AggregateID = %q, want %q", ev.AggregateID, "notification-12")
		}
		if ev.EventType != TypeNotificationSent || ev.Version != 1 {
			t.Errorf("EventType = %q, Version = %d", ev.EventType, ev.Version)
		}
	})

	t.Run("拒否イベントはステータスコードを保持すること", func(t *testing.T) {
		t.Parallel()

		ev, err := NewNotificationRejected(NotificationRejectedData{NotificationID: 3, StatusCode: 404, CycleID: "c"})
		if err != nil {
			t.Fatalf("NewNotificationRejected()でエラーが発生: %v", err)
		}
		if ev.EventType != TypeNotificationRejected {
			t.Errorf("EventType = %q, want %q", ev.EventType, TypeNotificationRejected)
		}
		decoded, err := DecodeData[NotificationRejectedData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if decoded.StatusCode != 404 {
			t.Errorf("StatusCode = %d, want 404", decoded.StatusCode)
		}
	})
}

// TestDecodeData はDecodeData関数でイベントデータを正しくデシリアライズできることを検証する。
func TestDecodeData(t *testing.T) {
	t.Parallel()

	t.Run("NotificationSentDataを正しくデコードできること", func(t *testing.T) {
		t.Parallel()

		original := NotificationSentData{NotificationID: 42, Title: "お知らせ", CycleID: "c-42"}
		ev, err := New("notification-42", AggregateTypeNotification, TypeNotificationSent, 1, original)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}

		decoded, err := DecodeData[NotificationSentData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if *decoded != original {
			t.Errorf("decoded = %+v, want %+v", *decoded, original)
		}
	})

	t.Run("不正なJSONデータでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ev := &Event{Data: json.RawMessage(`{broken`)}
		if _, err := DecodeData[NotificationSentData](ev); err == nil {
			t.Fatal("DecodeData()がエラーを返すべきだが、nilが返った")
		}
	})
}
