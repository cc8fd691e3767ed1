package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Marker は通知を配信済みにする永続化層。
type Marker interface {
	MarkSent(ctx context.Context, ids []int64) ([]int64, error)
}

// Tracker は配信結果のうちゲートウェイが受理したものだけを配信済みとして記録する。
type Tracker struct {
	// store は配信済みの記録先。
	store Marker
	// logger は記録結果を出力するロガー。
	logger *zap.Logger
}

// NewTracker は新しいTrackerを生成する。
func NewTracker(store Marker, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// Commit は Delivered の通知をまとめて配信済みにし、実際に遷移した通知のIDを返す。
// Resultが明示的にDeliveredでない結果はすべて未配信として扱う。
// 失敗した場合は1件も記録されず、次のサイクルで再送される。
func (t *Tracker) Commit(ctx context.Context, outcomes []Outcome) ([]int64, error) {
	ids := make([]int64, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result == Delivered {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}

	marked, err := t.store.MarkSent(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("配信済みの記録に失敗 (%d件): %w", len(ids), err)
	}
	if len(marked) < len(ids) {
		t.logger.Debug("一部の通知は既に配信済み", zap.Int("delivered", len(ids)), zap.Int("marked", len(marked)))
	}
	return marked, nil
}
