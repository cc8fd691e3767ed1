package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はpushboardプロセス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス（DSN）。
	DatabasePath string
	// LogLevel はログ出力レベル。
	LogLevel string
	// CORSAllowedOrigins はCORSで許可するオリジン。"*" は全オリジンを許可する。
	CORSAllowedOrigins []string

	// Auth はIDトークン検証の設定。
	Auth AuthConfig
	// Gateway はプッシュ配信ゲートウェイの設定。
	Gateway GatewayConfig
	// Dispatch は配信スケジューラの設定。
	Dispatch DispatchConfig

	// RedisAddr は複数レプリカ間で配信サイクルを排他するRedisのアドレス。空なら使用しない。
	RedisAddr string
	// EventStoreURL はNotificationSentイベントの送信先。空なら送信しない。
	EventStoreURL string
}

// AuthConfig はIDトークン検証の設定。
type AuthConfig struct {
	// Audience は期待するaudクレーム（Web Client ID）。
	Audience string
	// Issuers は受け入れるissクレームの一覧。
	Issuers []string
	// CertsURL は発行者の公開鍵セット（JWKS）のURL。
	CertsURL string
}

// GatewayConfig はプッシュ配信ゲートウェイの設定。
type GatewayConfig struct {
	// ProjectID は配信先プロジェクトのID。
	ProjectID string
	// ServiceAccountFile はサービスアカウント鍵（JSON）のパス。
	ServiceAccountFile string
	// Endpoint はゲートウェイのベースURL。
	Endpoint string
	// Timeout は1リクエストあたりのタイムアウト。
	Timeout time.Duration
}

// DispatchConfig は配信スケジューラの設定。
type DispatchConfig struct {
	// Interval は配信サイクルの起動間隔。
	Interval time.Duration
	// BatchSize は1サイクルで取得する通知の上限件数。
	BatchSize int
	// Concurrency は同時に送信する通知の上限数。
	Concurrency int
}

// 設定キー。環境変数名と同じ綴りで参照する。
const (
	keyPort               = "PORT"
	keyDatabasePath       = "DATABASE_PATH"
	keyLogLevel           = "LOG_LEVEL"
	keyCORSAllowedOrigins = "CORS_ALLOWED_ORIGINS"
	keyGoogleClientID     = "GOOGLE_CLIENT_ID"
	keyGoogleIssuers      = "GOOGLE_ISSUERS"
	keyGoogleCertsURL     = "GOOGLE_CERTS_URL"
	keyFCMProjectID       = "FCM_PROJECT_ID"
	keyFCMServiceAccount  = "FCM_SERVICE_ACCOUNT_FILE"
	keyFCMEndpoint        = "FCM_ENDPOINT"
	keyGatewayTimeout     = "GATEWAY_TIMEOUT"
	keyDispatchInterval   = "DISPATCH_INTERVAL"
	keyDispatchBatchSize  = "DISPATCH_BATCH_SIZE"
	keyDispatchConcurrent = "DISPATCH_CONCURRENCY"
	keyRedisAddr          = "REDIS_ADDR"
	keyEventStoreURL      = "EVENTSTORE_URL"
)

// allKeys は環境変数から読み込む全キー。AutomaticEnvだけではUnmarshal対象にならないため明示的にバインドする。
var allKeys = []string{
	keyPort, keyDatabasePath, keyLogLevel, keyCORSAllowedOrigins,
	keyGoogleClientID, keyGoogleIssuers, keyGoogleCertsURL,
	keyFCMProjectID, keyFCMServiceAccount, keyFCMEndpoint, keyGatewayTimeout,
	keyDispatchInterval, keyDispatchBatchSize, keyDispatchConcurrent,
	keyRedisAddr, keyEventStoreURL,
}

// setDefaults は既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPort, "8000")
	v.SetDefault(keyDatabasePath, "/data/pushboard.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyCORSAllowedOrigins, "*")
	v.SetDefault(keyGoogleIssuers, "https://accounts.google.com,accounts.google.com")
	v.SetDefault(keyGoogleCertsURL, "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault(keyFCMServiceAccount, "firebase-key.json")
	v.SetDefault(keyFCMEndpoint, "https://fcm.googleapis.com")
	v.SetDefault(keyGatewayTimeout, "5s")
	v.SetDefault(keyDispatchInterval, "60s")
	v.SetDefault(keyDispatchBatchSize, 100)
	v.SetDefault(keyDispatchConcurrent, 4)
}

// Load は設定を読み込む。
// configFileが空でなければその設定ファイルを読み込み、環境変数で上書きする。
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	v.AutomaticEnv()
	for _, key := range allKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("環境変数のバインドに失敗 (%s): %w", key, err)
		}
	}

	cfg := &Config{
		Port:               v.GetString(keyPort),
		DatabasePath:       v.GetString(keyDatabasePath),
		LogLevel:           v.GetString(keyLogLevel),
		CORSAllowedOrigins: splitList(v.GetString(keyCORSAllowedOrigins)),
		Auth: AuthConfig{
			Audience: strings.TrimSpace(v.GetString(keyGoogleClientID)),
			Issuers:  splitList(v.GetString(keyGoogleIssuers)),
			CertsURL: v.GetString(keyGoogleCertsURL),
		},
		Gateway: GatewayConfig{
			ProjectID:          v.GetString(keyFCMProjectID),
			ServiceAccountFile: v.GetString(keyFCMServiceAccount),
			Endpoint:           v.GetString(keyFCMEndpoint),
			Timeout:            v.GetDuration(keyGatewayTimeout),
		},
		Dispatch: DispatchConfig{
			Interval:    v.GetDuration(keyDispatchInterval),
			BatchSize:   v.GetInt(keyDispatchBatchSize),
			Concurrency: v.GetInt(keyDispatchConcurrent),
		},
		RedisAddr:     v.GetString(keyRedisAddr),
		EventStoreURL: v.GetString(keyEventStoreURL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は起動を継続できない設定値を検出する。
// GOOGLE_CLIENT_IDの欠落はここでは扱わない（トークン検証経路のみ無効化する）。
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%sは正の値である必要があります: %v", keyDispatchInterval, c.Dispatch.Interval))
	}
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%sは正の値である必要があります: %d", keyDispatchBatchSize, c.Dispatch.BatchSize))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%sは正の値である必要があります: %d", keyDispatchConcurrent, c.Dispatch.Concurrency))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%sは正の値である必要があります: %v", keyGatewayTimeout, c.Gateway.Timeout))
	}
	if len(c.Auth.Issuers) == 0 {
		errs = append(errs, fmt.Errorf("%sが空です", keyGoogleIssuers))
	}
	return errors.Join(errs...)
}

// splitList はカンマ区切りの文字列を空要素を除いたスライスに変換する。
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
