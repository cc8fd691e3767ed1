package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/pushboard/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeVerifier はトークン文字列ごとに検証結果を返すTokenVerifier。
type fakeVerifier map[string]string

func (f fakeVerifier) Verify(_ context.Context, token string) (*auth.Principal, error) {
	email, ok := f[token]
	if !ok {
		return nil, &auth.RejectedError{Reason: auth.ReasonAudienceMismatch}
	}
	return &auth.Principal{Email: email, Audience: "client-A"}, nil
}

// testTokens はテストで使うトークンと対応するメールアドレス。
var testTokens = fakeVerifier{
	"editor-token":   "editor@example.com",
	"stranger-token": "stranger@example.com",
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
// editor@example.com を登録済みユーザーとして追加する。
func setupTestServer(t *testing.T, verifier TokenVerifier) (*Server, *Store) {
	t.Helper()

	store := newTestStore(t)
	if err := store.AddUser(t.Context(), "editor@example.com"); err != nil {
		t.Fatalf("テスト用ユーザーの登録に失敗: %v", err)
	}

	s := NewServer(ServerConfig{
		Port:           "0",
		Store:          store,
		Verifier:       verifier,
		AllowedOrigins: []string{"*"},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pushboard_dispatch_cycles_total 1\n"))
		}),
	})
	return s, store
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

func TestHandleGoogleAuth(t *testing.T) {
	t.Parallel()

	t.Run("登録済みユーザーの有効なトークンで200とメールアドレスが返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/auth/google?token=editor-token", "", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		body := parseJSON(t, w)
		if body["status"] != "success" || body["email"] != "editor@example.com" {
			t.Errorf("レスポンス = %v", body)
		}
	})

	t.Run("拒否されたトークンでは理由を問わず401が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/auth/google?token=client-B-token", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if body := parseJSON(t, w); body["error"] != "トークンが無効です" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("未登録ユーザーの場合は403が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/auth/google?token=stranger-token", "", nil)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("tokenがない場合は400が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/auth/google", "", nil)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("検証器が設定されていない場合は500が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, nil)

		w := doRequest(s, http.MethodGet, "/auth/google?token=editor-token", "", nil)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if body := parseJSON(t, w); body["error"] != "サーバーの設定が不正です" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("ユーザーの確認に失敗した場合は500が返ること", func(t *testing.T) {
		t.Parallel()
		s, store := setupTestServer(t, testTokens)
		store.Close()

		w := doRequest(s, http.MethodGet, "/auth/google?token=editor-token", "", nil)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

func TestHandleListSent(t *testing.T) {
	t.Parallel()

	t.Run("配信済みの通知だけを新しい順に返すこと", func(t *testing.T) {
		t.Parallel()
		s, store := setupTestServer(t, testTokens)
		now := time.Now()

		older := createRecord(t, store, "older", now.Add(-2*time.Hour))
		newer, err := store.Create(t.Context(), CreateParams{
			Title:       "newer",
			Body:        "Big news. Details inside",
			Image:       "https://example.com/news.png",
			ScheduledAt: now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("Create失敗: %v", err)
		}
		createRecord(t, store, "pending", now.Add(-time.Minute))
		if _, err := store.MarkSent(t.Context(), []int64{older.ID, newer.ID}); err != nil {
			t.Fatalf("MarkSent失敗: %v", err)
		}

		w := doRequest(s, http.MethodGet, "/notifications", "", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		items := parseJSONArray(t, w)
		if len(items) != 2 {
			t.Fatalf("件数 = %d, want 2", len(items))
		}
		if items[0]["title"] != "newer" || items[1]["title"] != "older" {
			t.Errorf("順序が不正: %v, %v", items[0]["title"], items[1]["title"])
		}
		if items[0]["excerpt"] != "Big news." || items[0]["leadingImage"] != "https://example.com/news.png" {
			t.Errorf("items[0] = %v", items[0])
		}
		if items[0]["sent"] != true {
			t.Errorf("sent = %v, want true", items[0]["sent"])
		}
		if items[1]["leadingImage"] != nil {
			t.Errorf("画像なしの場合はnullであるべき: %v", items[1]["leadingImage"])
		}
	})

	t.Run("配信済みがない場合は空配列を返すこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/notifications", "", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "[]" {
			t.Errorf("body = %s, want []", w.Body.String())
		}
	})
}

func TestHandleCreate(t *testing.T) {
	t.Parallel()

	validBody := func(scheduled time.Time) map[string]any {
		return map[string]any{
			"title":          "Sale",
			"content":        "50% off everything. Ends tonight",
			"leadingImage":   "https://example.com/sale.png",
			"scheduled_time": scheduled.Format(time.RFC3339),
		}
	}

	t.Run("登録済みユーザーは通知を作成でき配信対象になること", func(t *testing.T) {
		t.Parallel()
		s, store := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodPost, "/notifications", "editor-token", validBody(time.Now().Add(-time.Minute)))

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		body := parseJSON(t, w)
		if body["excerpt"] != "50% off everything." {
			t.Errorf("excerpt = %v", body["excerpt"])
		}
		if body["sent"] != false {
			t.Errorf("sent = %v, want false", body["sent"])
		}

		due, err := store.SelectDue(t.Context(), 100)
		if err != nil {
			t.Fatalf("SelectDue失敗: %v", err)
		}
		if len(due) != 1 || due[0].Title != "Sale" {
			t.Errorf("SelectDue = %+v", due)
		}
	})

	t.Run("トークンがない場合は401が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodPost, "/notifications", "", validBody(time.Now()))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("未登録ユーザーの場合は403が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodPost, "/notifications", "stranger-token", validBody(time.Now()))

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("必須項目がない場合は400が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodPost, "/notifications", "editor-token", map[string]any{"title": "only title"})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("検証器が設定されていない場合は500が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, nil)

		w := doRequest(s, http.MethodPost, "/notifications", "editor-token", validBody(time.Now()))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックで200が返ること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/health", "", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if body := parseJSON(t, w); body["service"] != "pushboard" {
			t.Errorf("service = %v", body["service"])
		}
	})

	t.Run("ストアが閉じている場合は503が返ること", func(t *testing.T) {
		t.Parallel()
		s, store := setupTestServer(t, testTokens)
		store.Close()

		w := doRequest(s, http.MethodGet, "/health", "", nil)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("メトリクスが公開されること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t, testTokens)

		w := doRequest(s, http.MethodGet, "/metrics", "", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte("pushboard_dispatch_cycles_total")) {
			t.Errorf("body = %s", w.Body.String())
		}
	})
}
