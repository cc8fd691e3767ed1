package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushboard/internal/notification"
	"go.uber.org/zap"
)

const (
	// DefaultInterval は配信サイクルの起動間隔。
	DefaultInterval = time.Minute
	// DefaultBatchSize は1回のサイクルで扱う最大件数。
	DefaultBatchSize = 100
)

var (
	// ErrCycleInProgress は別のサイクルが実行中のため今回の起動を見送ったことを表す。
	ErrCycleInProgress = errors.New("配信サイクルが実行中です")
	// ErrCyclePanic はサイクル中にpanicが発生したことを表す。
	ErrCyclePanic = errors.New("配信サイクルでpanicが発生しました")
)

// Selector は配信対象の通知を抽出する。
type Selector interface {
	SelectDue(ctx context.Context, limit int) ([]notification.Record, error)
}

// Dispatcher は通知をまとめて送信する。
type Dispatcher interface {
	DispatchAll(ctx context.Context, records []notification.Record) []Outcome
}

// Committer は配信結果を記録する。
type Committer interface {
	Commit(ctx context.Context, outcomes []Outcome) ([]int64, error)
}

// Options はSchedulerの構成。
type Options struct {
	// Selector は配信対象の抽出元。必須。
	Selector Selector
	// Dispatcher は送信処理。必須。
	Dispatcher Dispatcher
	// Committer は配信済みの記録先。必須。
	Committer Committer
	// Publisher はイベントの発行先。nilの場合は発行しない。
	Publisher *Publisher
	// Metrics はメトリクス。nilの場合は登録しないメトリクスを使う。
	Metrics *Metrics
	// Lease はレプリカ間の排他。nilの場合はプロセス内の排他のみ。
	Lease Gate
	// Interval はサイクルの起動間隔。0以下の場合は DefaultInterval。
	Interval time.Duration
	// BatchSize は1回のサイクルで扱う最大件数。0以下の場合は DefaultBatchSize。
	BatchSize int
	// Logger はロガー。
	Logger *zap.Logger
}

// Report は1回の配信サイクルの結果。
type Report struct {
	// CycleID はサイクルの識別子。
	CycleID string
	// Selected は抽出した件数。
	Selected int
	// Delivered はゲートウェイが受理した件数。
	Delivered int
	// Transient は一時的に失敗した件数。
	Transient int
	// Permanent は恒久的に失敗した件数。
	Permanent int
	// Marked は配信済みに遷移した件数。
	Marked int64
	// Duration はサイクルの所要時間。
	Duration time.Duration
}

// Scheduler は一定間隔で配信サイクルを実行するバックグラウンドプロセス。
type Scheduler struct {
	// opts はSchedulerの構成。
	opts Options
	// gates はサイクル開始前に取得する排他。プロセス内の排他が常に先頭に入る。
	gates []Gate
	// logger はロガー。
	logger *zap.Logger
	// metrics はメトリクス。
	metrics *Metrics
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// wg はループと実行中のサイクルの終了を待つ。
	wg sync.WaitGroup
}

// NewScheduler は新しいSchedulerを生成する。
func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	gates := []Gate{&LocalGate{}}
	if opts.Lease != nil {
		gates = append(gates, opts.Lease)
	}

	return &Scheduler{
		opts:    opts,
		gates:   gates,
		logger:  logger,
		metrics: metrics,
	}
}

// Start はバックグラウンドで配信サイクルの定期実行を開始する。
// 各サイクルは別のゴルーチンで実行し、前回のサイクルが終わっていなければ見送る。
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("配信スケジューラを開始します", zap.Duration("interval", s.opts.Interval))
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("配信スケジューラを停止しました")
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.tick(ctx)
				}()
			}
		}
	}()
}

// Stop はバックグラウンドの定期実行を停止し、ゴルーチンの終了を待つ。
// 実行中のサイクルはキャンセルされ、未記録の配信は次回の起動時に再送される。
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick は1回分のサイクルを実行し、結果をログに出力する。
func (s *Scheduler) tick(ctx context.Context) {
	rep, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Warn("前回の配信サイクルが実行中のため今回は見送ります")
	case err != nil:
		s.logger.Error("配信サイクルに失敗", zap.String("cycle_id", rep.CycleID), zap.Error(err))
	}
}

// RunOnce は配信サイクルを1回実行する。
// 別のサイクルが実行中の場合は何もせず ErrCycleInProgress を返す。
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	release, ok, err := s.acquire(ctx)
	if err != nil {
		s.metrics.skipped.Inc()
		return Report{}, err
	}
	if !ok {
		s.metrics.skipped.Inc()
		return Report{}, ErrCycleInProgress
	}
	defer release()

	start := time.Now()
	rep, err := s.runCycle(ctx, uuid.NewString())
	rep.Duration = time.Since(start)
	s.metrics.duration.Observe(rep.Duration.Seconds())

	switch {
	case errors.Is(err, ErrCyclePanic):
		s.metrics.cycles.WithLabelValues("panic").Inc()
	case err != nil:
		s.metrics.cycles.WithLabelValues("error").Inc()
	default:
		s.metrics.cycles.WithLabelValues("ok").Inc()
	}
	return rep, err
}

// acquire は全ての排他を順に取得する。途中で取得できなければ取得済みのものを解放する。
func (s *Scheduler) acquire(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(s.gates))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, g := range s.gates {
		release, ok, err := g.TryAcquire(ctx)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}

// runCycle は抽出・送信・記録・発行を順に行う。panicはここで回収してエラーとして返す。
func (s *Scheduler) runCycle(ctx context.Context, cycleID string) (rep Report, err error) {
	rep.CycleID = cycleID
	logger := s.logger.With(zap.String("cycle_id", cycleID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("配信サイクルでpanicが発生", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrCyclePanic, r)
		}
	}()

	records, err := s.opts.Selector.SelectDue(ctx, s.opts.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("配信対象の抽出に失敗: %w", err)
	}
	rep.Selected = len(records)
	if len(records) == 0 {
		logger.Debug("配信対象の通知はありません")
		return rep, nil
	}

	outcomes := s.opts.Dispatcher.DispatchAll(ctx, records)
	for _, o := range outcomes {
		switch o.Result {
		case Delivered:
			rep.Delivered++
		case TransientFailure:
			rep.Transient++
		case PermanentFailure:
			rep.Permanent++
		}
		s.metrics.outcomes.WithLabelValues(o.Result.String()).Inc()
	}

	marked, err := s.opts.Committer.Commit(ctx, outcomes)
	if err != nil {
		return rep, err
	}
	rep.Marked = int64(len(marked))
	s.metrics.marked.Add(float64(len(marked)))

	s.opts.Publisher.Publish(ctx, cycleID, records, outcomes, marked)

	logger.Info("配信サイクルが完了",
		zap.Int("selected", rep.Selected),
		zap.Int("delivered", rep.Delivered),
		zap.Int("transient", rep.Transient),
		zap.Int("permanent", rep.Permanent),
		zap.Int64("marked", rep.Marked),
	)
	return rep, nil
}
