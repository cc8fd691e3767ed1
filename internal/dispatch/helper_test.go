package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/pushboard/internal/notification"
	_ "modernc.org/sqlite"
)

const testProject = "test-project"

// staticToken は固定のアクセストークンを返すTokenSource。
var staticToken = TokenSourceFunc(func(context.Context) (string, error) {
	return "test-access-token", nil
})

// newTestStore はインメモリSQLiteで通知ストアを生成する。
func newTestStore(t *testing.T) *notification.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := notification.NewStore(db)
	if _, err := s.Migrate(t.Context()); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	return s
}

// createDue は配信予定時刻を過ぎた通知を作成する。
func createDue(t *testing.T, s *notification.Store, title string, ago time.Duration) notification.Record {
	t.Helper()
	r, err := s.Create(t.Context(), notification.CreateParams{
		Title:       title,
		Body:        title + " body",
		ScheduledAt: time.Now().Add(-ago),
	})
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
	return r
}

// gateway はプッシュゲートウェイのモック。タイトルごとに返すステータスを変えられる。
type gateway struct {
	mu       sync.Mutex
	statuses map[string]int
	received []pushRequest
	auth     []string
}

// setStatus はタイトルに対して返すステータスを設定する。
func (g *gateway) setStatus(title string, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses == nil {
		g.statuses = map[string]int{}
	}
	g.statuses[title] = status
}

// titles は受信した通知のタイトルを返す。
func (g *gateway) titles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.received))
	for _, r := range g.received {
		out = append(out, r.Message.Notification.Title)
	}
	return out
}

func (g *gateway) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/projects/"+testProject+"/messages:send" {
			http.NotFound(w, r)
			return
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		g.mu.Lock()
		g.received = append(g.received, req)
		g.auth = append(g.auth, r.Header.Get("Authorization"))
		status, ok := g.statuses[req.Message.Notification.Title]
		g.mu.Unlock()

		if !ok {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"name":"projects/` + testProject + `/messages/1"}`))
		} else {
			_, _ = w.Write([]byte(`{"error":{"status":"` + strings.ToUpper(http.StatusText(status)) + `"}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
