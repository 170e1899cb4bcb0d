// Package config は YAML / JSON の設定ファイルを読み込む。
//
// 設定は workload・log・server の3セクションからなる。workload は
// プリセットを基に、指定した項目だけを上書きして workload.Config に変換する。
//
//	workload:
//	  preset: faulty
//	  threads: 8
//	  items: 5000
//	  retry_ratio: 0.2
//	  faults:
//	    wait_failures: 2
//	log:
//	  level: debug
//	server:
//	  addr: ":8080"
package config
