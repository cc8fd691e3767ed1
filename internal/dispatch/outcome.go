package dispatch

// Result は1件の配信試行の結果。
type Result int

const (
	// resultUnknown は結果が設定されていないことを表す。配信済みとしては扱わない。
	resultUnknown Result = iota
	// Delivered はゲートウェイが通知を受理したことを表す。
	Delivered
	// TransientFailure は通信障害・タイムアウト・5xx・429など、再送で成功しうる失敗を表す。
	TransientFailure
	// PermanentFailure はゲートウェイが通知を拒否した、または認証情報を取得できなかったことを表す。
	PermanentFailure
)

// String は結果の文字列表現を返す。メトリクスのラベルにも使う。
func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome は1件の通知に対する配信結果。
type Outcome struct {
	// ID は通知のID。
	ID int64
	// Result は配信結果の分類。
	Result Result
	// StatusCode はゲートウェイが2xx以外で応答したときのHTTPステータスコード。それ以外は0。
	StatusCode int
	// Err は失敗時の原因。成功時はnil。
	Err error
}
