package workload

import (
	"fmt"
	"time"
)

// フックの種類
const (
	HookDefault  = "default"
	HookOSThread = "osthread"
)

// Config はワークロードの設定
type Config struct {
	Name        string        // ワークロード名
	Description string        // 説明
	Threads     int           // プールのスレッド数（0でCPU数）
	Items       int           // 投入するアイテム数
	Producers   int           // 投入ゴルーチン数
	PayloadSize int           // アイテムのペイロードサイズ（バイト）
	Timeout     time.Duration // 全アイテム完了までの制限時間

	// 実行設定
	RetryRatio  float64       // 再投入する実行の割合
	MaxAttempts int           // 1アイテムあたりの最大実行回数
	ExecDelay   time.Duration // 1回の実行にかける時間
	Hook        string        // "default" または "osthread"

	// 障害注入
	FailInit        int           // Initialize を失敗させるスレッド数
	WaitFailures    int           // 注入する待機失敗の数
	CancelShutdowns int           // 取り消しを試みるシャットダウン要求の数
	ChaosInterval   time.Duration // 0 より大きければ実行中この間隔で障害を注入する
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		Description: "Default workload",
		Threads:     4,
		Items:       1000,
		Producers:   4,
		PayloadSize: 64,
		Timeout:     30 * time.Second,
		RetryRatio:  0.1,
		MaxAttempts: 3,
		Hook:        HookDefault,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Threads < 0 {
		return fmt.Errorf("threads must be non-negative")
	}
	if c.Items < 0 {
		return fmt.Errorf("items must be non-negative")
	}
	if c.Producers < 1 {
		return fmt.Errorf("producers must be at least 1")
	}
	if c.PayloadSize < 0 {
		return fmt.Errorf("payload_size must be non-negative")
	}
	if c.RetryRatio < 0 || c.RetryRatio > 1 {
		return fmt.Errorf("retry_ratio must be between 0 and 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.ExecDelay < 0 {
		return fmt.Errorf("exec_delay must be non-negative")
	}
	if c.Hook != HookDefault && c.Hook != HookOSThread {
		return fmt.Errorf("unknown hook: %s", c.Hook)
	}
	if c.FailInit < 0 || c.WaitFailures < 0 || c.CancelShutdowns < 0 {
		return fmt.Errorf("fault counts must be non-negative")
	}
	if c.ChaosInterval < 0 {
		return fmt.Errorf("chaos_interval must be non-negative")
	}
	if c.Threads > 0 && c.FailInit >= c.Threads {
		return fmt.Errorf("fail_init must leave at least one thread")
	}
	return nil
}
