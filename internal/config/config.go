package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dispatchpool/internal/logger"
	"dispatchpool/internal/workload"

	"gopkg.in/yaml.v3"
)

// DefaultAddr はモニターサーバーの既定アドレス
const DefaultAddr = ":8080"

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Workload WorkloadConfig `yaml:"workload" json:"workload"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Server   ServerConfig   `yaml:"server" json:"server"`
}

// WorkloadConfig はワークロード設定
type WorkloadConfig struct {
	Preset      string `yaml:"preset" json:"preset"` // 基にするプリセット
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Timeout     string `yaml:"timeout" json:"timeout"`

	Threads     int `yaml:"threads" json:"threads"`
	Items       int `yaml:"items" json:"items"`
	Producers   int `yaml:"producers" json:"producers"`
	PayloadSize int `yaml:"payload_size" json:"payload_size"`

	// 0 を明示できるようにポインタにする
	RetryRatio  *float64 `yaml:"retry_ratio" json:"retry_ratio"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	ExecDelay   string   `yaml:"exec_delay" json:"exec_delay"`
	Hook        string   `yaml:"hook" json:"hook"`

	Faults FaultConfig `yaml:"faults" json:"faults"`
}

// FaultConfig は障害注入の設定
type FaultConfig struct {
	FailInit        int    `yaml:"fail_init" json:"fail_init"`
	WaitFailures    int    `yaml:"wait_failures" json:"wait_failures"`
	CancelShutdowns int    `yaml:"cancel_shutdowns" json:"cancel_shutdowns"`
	ChaosInterval   string `yaml:"chaos_interval" json:"chaos_interval"` // 例: "20ms"
}

// LogConfig はログ設定
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// ServerConfig はモニターサーバー設定
type ServerConfig struct {
	Addr             string `yaml:"addr" json:"addr"`
	MetricsNamespace string `yaml:"metrics_namespace" json:"metrics_namespace"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// ToWorkloadConfig は FileConfig を workload.Config に変換する
// 指定のない項目はプリセット（なければ既定値）のまま
func (f *FileConfig) ToWorkloadConfig() (workload.Config, error) {
	wc := f.Workload

	config := workload.DefaultConfig()
	if wc.Preset != "" {
		preset, ok := workload.GetPreset(wc.Preset)
		if !ok {
			return config, fmt.Errorf("unknown preset: %s", wc.Preset)
		}
		config = preset
	}

	if wc.Name != "" {
		config.Name = wc.Name
	}
	if wc.Description != "" {
		config.Description = wc.Description
	}
	if wc.Timeout != "" {
		d, err := time.ParseDuration(wc.Timeout)
		if err != nil {
			return config, fmt.Errorf("invalid timeout: %w", err)
		}
		config.Timeout = d
	}

	// プール設定
	if wc.Threads > 0 {
		config.Threads = wc.Threads
	}
	if wc.Items > 0 {
		config.Items = wc.Items
	}
	if wc.Producers > 0 {
		config.Producers = wc.Producers
	}
	if wc.PayloadSize > 0 {
		config.PayloadSize = wc.PayloadSize
	}

	// 実行設定
	if wc.RetryRatio != nil {
		config.RetryRatio = *wc.RetryRatio
	}
	if wc.MaxAttempts > 0 {
		config.MaxAttempts = wc.MaxAttempts
	}
	if wc.ExecDelay != "" {
		d, err := time.ParseDuration(wc.ExecDelay)
		if err != nil {
			return config, fmt.Errorf("invalid exec_delay: %w", err)
		}
		config.ExecDelay = d
	}
	if wc.Hook != "" {
		config.Hook = strings.ToLower(wc.Hook)
	}

	// 障害注入
	if wc.Faults.FailInit > 0 {
		config.FailInit = wc.Faults.FailInit
	}
	if wc.Faults.WaitFailures > 0 {
		config.WaitFailures = wc.Faults.WaitFailures
	}
	if wc.Faults.CancelShutdowns > 0 {
		config.CancelShutdowns = wc.Faults.CancelShutdowns
	}
	if wc.Faults.ChaosInterval != "" {
		d, err := time.ParseDuration(wc.Faults.ChaosInterval)
		if err != nil {
			return config, fmt.Errorf("invalid chaos_interval: %w", err)
		}
		config.ChaosInterval = d
	}

	return config, nil
}

// LogLevel はログレベルを返す。未指定なら INFO
func (f *FileConfig) LogLevel() (logger.Level, error) {
	return logger.ParseLevel(f.Log.Level)
}

// Addr はモニターサーバーのアドレスを返す
func (f *FileConfig) Addr() string {
	if f.Server.Addr == "" {
		return DefaultAddr
	}
	return f.Server.Addr
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	wc := f.Workload

	if wc.Threads < 0 {
		return fmt.Errorf("workload.threads must be non-negative")
	}

	if wc.Items < 0 {
		return fmt.Errorf("workload.items must be non-negative")
	}

	if wc.Producers < 0 {
		return fmt.Errorf("workload.producers must be non-negative")
	}

	if wc.RetryRatio != nil && (*wc.RetryRatio < 0 || *wc.RetryRatio > 1) {
		return fmt.Errorf("workload.retry_ratio must be between 0 and 1")
	}

	if wc.MaxAttempts < 0 {
		return fmt.Errorf("workload.max_attempts must be non-negative")
	}

	if wc.Hook != "" {
		switch strings.ToLower(wc.Hook) {
		case workload.HookDefault, workload.HookOSThread:
		default:
			return fmt.Errorf("workload.hook must be %q or %q", workload.HookDefault, workload.HookOSThread)
		}
	}

	if wc.Faults.FailInit < 0 || wc.Faults.WaitFailures < 0 || wc.Faults.CancelShutdowns < 0 {
		return fmt.Errorf("workload.faults counts must be non-negative")
	}

	if _, err := f.LogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}
