package workload

import (
	"time"
)

// BasicWorkload は基本的なワークロード設定を返す
// 再投入なし、障害注入なし
func BasicWorkload() Config {
	return Config{
		Name:        "basic",
		Description: "Plain fan-out without retries or faults",
		Threads:     4,
		Items:       2000,
		Producers:   4,
		PayloadSize: 64,
		Timeout:     30 * time.Second,
		RetryRatio:  0,
		MaxAttempts: 1,
		Hook:        HookDefault,
	}
}

// RetryWorkload は再投入を多用するワークロードを返す
func RetryWorkload() Config {
	return Config{
		Name:        "retry",
		Description: "Executors resubmit a share of items until max attempts",
		Threads:     4,
		Items:       1000,
		Producers:   2,
		PayloadSize: 128,
		Timeout:     30 * time.Second,
		RetryRatio:  0.5,
		MaxAttempts: 4,
		Hook:        HookDefault,
	}
}

// FaultyWorkload は初期化失敗と待機失敗を注入するワークロードを返す
func FaultyWorkload() Config {
	return Config{
		Name:         "faulty",
		Description:  "One thread fails to initialize and one loses its queue wait",
		Threads:      4,
		Items:        1000,
		Producers:    2,
		PayloadSize:  64,
		Timeout:      30 * time.Second,
		RetryRatio:   0.1,
		MaxAttempts:  3,
		ExecDelay:    50 * time.Microsecond,
		Hook:         HookDefault,
		FailInit:     1,
		WaitFailures: 1,
	}
}

// CancelWorkload はシャットダウン要求の取り消しを繰り返すワークロードを返す
func CancelWorkload() Config {
	return Config{
		Name:            "cancel",
		Description:     "Shutdown requests are raced against cancellation while work flows",
		Threads:         6,
		Items:           1000,
		Producers:       3,
		PayloadSize:     64,
		Timeout:         30 * time.Second,
		RetryRatio:      0.2,
		MaxAttempts:     2,
		ExecDelay:       100 * time.Microsecond,
		Hook:            HookDefault,
		CancelShutdowns: 3,
	}
}

// ChaosWorkload は実行中に障害を定期的に注入するワークロードを返す
func ChaosWorkload() Config {
	return Config{
		Name:          "chaos",
		Description:   "Random wait failures and cancelled shutdowns strike while work flows",
		Threads:       6,
		Items:         3000,
		Producers:     3,
		PayloadSize:   64,
		Timeout:       30 * time.Second,
		RetryRatio:    0.1,
		MaxAttempts:   2,
		ExecDelay:     100 * time.Microsecond,
		Hook:          HookDefault,
		ChaosInterval: 20 * time.Millisecond,
	}
}

// QuickWorkload はクイックテスト用ワークロードを返す
// OS スレッドに固定したスレッドで短時間の動作確認
func QuickWorkload() Config {
	return Config{
		Name:        "quick",
		Description: "Quick check on OS-thread-pinned workers",
		Threads:     2,
		Items:       200,
		Producers:   1,
		PayloadSize: 32,
		Timeout:     10 * time.Second,
		RetryRatio:  0.2,
		MaxAttempts: 2,
		Hook:        HookOSThread,
	}
}

// GetPreset は名前からプリセットを取得する
func GetPreset(name string) (Config, bool) {
	presets := map[string]func() Config{
		"basic":  BasicWorkload,
		"retry":  RetryWorkload,
		"faulty": FaultyWorkload,
		"cancel": CancelWorkload,
		"chaos":  ChaosWorkload,
		"quick":  QuickWorkload,
	}

	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	return []string{"basic", "retry", "faulty", "cancel", "chaos", "quick"}
}
