// Package chaos はワーカープールへの障害注入機能を提供する。
//
// Monkey はプールに待機失敗とシャットダウン要求の取り消し競合を注入し、
// スレッドが減ってもワークアイテムが失われないことを確かめるために使う。
// 稼働スレッドが MinLive 以下のときは攻撃しない。
//
// # 障害タイプ
//
// - WaitFailure: 1スレッドの待機を失敗させる（スレッドは ExitWaitFailed で抜ける）
// - CancelShutdown: シャットダウン要求を出してすぐ取り消す（競合に負ければ1スレッド減る）
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = 50 * time.Millisecond
//
//	monkey := chaos.New(pool, config)
//	monkey.Start(ctx)
//	defer monkey.Stop()
package chaos
