// Package workload はワーカープールに負荷と障害を流す実行エンジンを提供する。
//
// エンジンは追跡付きアイテム（item.Arena）を複数の producer から投入し、
// Executor の中で一部を再投入しながら全アイテムの解放を待つ。
// 終了時にはプールを止め、配送されなかったアイテムを回収して、
// 解放漏れが1つもないことを確認する。
//
// # 機能
//
// - errgroup による並行投入
// - 実行回数の上限付き再投入
// - 初期化失敗・待機失敗・シャットダウン取り消しの注入
// - 実行結果のレポート生成
//
// # プリセット
//
// - basic: 再投入も障害もない基本負荷
// - retry: 再投入を多用する
// - faulty: 初期化失敗と待機失敗を注入する
// - cancel: シャットダウン要求と取り消しを競わせる
// - quick: OS スレッド固定での短時間の動作確認
//
// # 使用例
//
//	config := workload.FaultyWorkload()
//	engine := workload.New(config)
//	result, err := engine.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package workload
