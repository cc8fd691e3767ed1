package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MaxListLimit は配信済み一覧で返す最大件数。
const MaxListLimit = 100

// timeLayout はscheduled_timeの保存形式。SQLiteのdatetime('now')と文字列比較できる形式にする。
const timeLayout = "2006-01-02 15:04:05"

var (
	// ErrNotFound は指定された通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrStoreUnavailable はストアへのアクセスに失敗したことを表す。
	ErrStoreUnavailable = errors.New("ストアにアクセスできません")
	// ErrInvalidLimit は取得件数の指定が不正であることを表す。
	ErrInvalidLimit = errors.New("取得件数は1以上を指定してください")
	// ErrInvalidParams は通知作成パラメータが不正であることを表す。
	ErrInvalidParams = errors.New("通知作成パラメータが不正です")
)

// State は通知の配信状態。
type State int

const (
	// StatePending は未配信。
	StatePending State = 0
	// StateSent は配信済み。
	StateSent State = 1
)

// String は配信状態の文字列表現を返す。
func (s State) String() string {
	if s == StateSent {
		return "sent"
	}
	return "pending"
}

// Record は予約通知1件。
type Record struct {
	// ID はストアが採番した通知の識別子。
	ID int64
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
	// Excerpt は本文の冒頭1文。
	Excerpt string
	// Image は添付画像のURL。空文字列は画像なし。
	Image string
	// ScheduledAt は配信予定日時（UTC）。
	ScheduledAt time.Time
	// State は配信状態。
	State State
}

// CreateParams は通知作成のパラメータ。
type CreateParams struct {
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
	// Image は添付画像のURL。
	Image string
	// ScheduledAt は配信予定日時。
	ScheduledAt time.Time
}

// Store は通知とユーザーの永続化を担う。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// Open はSQLiteデータベースを開いてStoreを生成する。
// スキーマの適用は Migrate で行う。
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return NewStore(db), nil
}

// NewStore は既存のデータベース接続からStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate はスキーマを最新にし、今回適用したマイグレーションの名前を返す。
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	applied, err := initSchema(ctx, s.db)
	if err != nil {
		return applied, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return applied, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, title, content, excerpt, COALESCE(leading_image, ''), scheduled_time, sent`

// SelectDue は配信予定時刻を過ぎた未配信の通知を、予定時刻の古い順に最大limit件返す。
// 現在時刻にはストアの時計を使う。対象がない場合は空のスライスを返す。
func (s *Store) SelectDue(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM notifications
		WHERE sent = 0 AND scheduled_time <= datetime('now')
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: 配信対象の取得に失敗: %w", ErrStoreUnavailable, err)
	}
	return scanRecords(rows)
}

// MarkSent は指定された通知を配信済みにし、実際に遷移した通知のIDを昇順で返す。
// 既に配信済みの通知は対象外のため、同じIDで繰り返し呼んでも結果は変わらない。
func (s *Store) MarkSent(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications
		SET sent = 1, sent_at = datetime('now')
		WHERE sent = 0 AND id IN (`+strings.Join(placeholders, ",")+`)
		RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: 配信済みへの更新に失敗: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	marked := make([]int64, 0, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: 更新したIDの読み取りに失敗: %w", ErrStoreUnavailable, err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: 配信済みへの更新に失敗: %w", ErrStoreUnavailable, err)
	}
	slices.Sort(marked)
	return marked, nil
}

// ListSent は配信済みの通知を予定時刻の新しい順に返す。
// limitが範囲外の場合は MaxListLimit 件とする。
func (s *Store) ListSent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM notifications
		WHERE sent = 1 AND scheduled_time <= datetime('now')
		ORDER BY scheduled_time DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: 配信済み通知の取得に失敗: %w", ErrStoreUnavailable, err)
	}
	return scanRecords(rows)
}

// Create は未配信の通知を作成する。本文の冒頭1文を抜粋として保存する。
func (s *Store) Create(ctx context.Context, p CreateParams) (Record, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return Record{}, fmt.Errorf("%w: タイトルが空です", ErrInvalidParams)
	}
	if strings.TrimSpace(p.Body) == "" {
		return Record{}, fmt.Errorf("%w: 本文が空です", ErrInvalidParams)
	}
	if p.ScheduledAt.IsZero() {
		return Record{}, fmt.Errorf("%w: 配信予定日時が指定されていません", ErrInvalidParams)
	}

	var image sql.NullString
	if img := strings.TrimSpace(p.Image); img != "" {
		image = sql.NullString{String: img, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (title, content, excerpt, leading_image, scheduled_time, sent)
		VALUES (?, ?, ?, ?, ?, 0)`,
		title, p.Body, Excerpt(p.Body), image, formatTime(p.ScheduledAt))
	if err != nil {
		return Record{}, fmt.Errorf("%w: 通知の作成に失敗: %w", ErrStoreUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("%w: 採番IDの取得に失敗: %w", ErrStoreUnavailable, err)
	}
	return s.Get(ctx, id)
}

// Get は指定IDの通知を返す。存在しない場合は ErrNotFound を返す。
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM notifications WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: 通知の取得に失敗: %w", ErrStoreUnavailable, err)
	}
	return r, nil
}

// IsUserKnown は指定メールアドレスのユーザーが登録済みかどうかを返す。
func (s *Store) IsUserKnown(ctx context.Context, email string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, normalizeEmail(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: ユーザーの確認に失敗: %w", ErrStoreUnavailable, err)
	}
	return exists == 1, nil
}

// AddUser はユーザーを登録する。登録済みの場合は何もしない。
func (s *Store) AddUser(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: メールアドレスが空です", ErrInvalidParams)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email) VALUES (?) ON CONFLICT(email) DO NOTHING`, email); err != nil {
		return fmt.Errorf("%w: ユーザーの登録に失敗: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Excerpt は本文の最初の '.' までを抜粋として返す。'.' がない場合は本文全体を返す。
func Excerpt(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.IndexByte(body, '.'); i >= 0 {
		return body[:i+1]
	}
	return body
}

// normalizeEmail はメールアドレスの前後の空白を除き小文字にする。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// scanner は *sql.Row と *sql.Rows の共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r         Record
		scheduled string
		sent      int
	)
	if err := sc.Scan(&r.ID, &r.Title, &r.Body, &r.Excerpt, &r.Image, &scheduled, &sent); err != nil {
		return Record{}, err
	}
	t, err := time.ParseInLocation(timeLayout, scheduled, time.UTC)
	if err != nil {
		return Record{}, fmt.Errorf("配信予定日時の解析に失敗 (id=%d): %w", r.ID, err)
	}
	r.ScheduledAt = t
	if sent != 0 {
		r.State = StateSent
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: 行の読み取りに失敗: %w", ErrStoreUnavailable, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: 行の走査に失敗: %w", ErrStoreUnavailable, err)
	}
	return records, nil
}
