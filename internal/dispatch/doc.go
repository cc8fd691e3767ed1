// Package dispatch は予約通知の配信サイクルを実装する。
//
// Scheduler は一定間隔で配信サイクルを起動する。1回のサイクルは
// 配信対象の抽出、プッシュゲートウェイへの送信（Client）、配信済みの記録（Tracker）、
// イベントの発行（Publisher）の順に進む。ゲートウェイが受理した通知だけが配信済みになり、
// 一時的な失敗は未配信のまま次のサイクルで再送される。
//
// 同時に実行されるサイクルは常に1つまでとし、複数レプリカで動かす場合は
// RedisGate でレプリカ間の排他を取る。
package dispatch
