// Package main is the entry point for dispatchpool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dispatchpool/internal/api"
	"dispatchpool/internal/config"
	"dispatchpool/internal/logger"
	"dispatchpool/internal/workload"
)

var (
	version = "dev"
)

func main() {
	// フラグ定義
	var (
		configFile  = flag.String("config", "", "設定ファイルパス (YAML/JSON)")
		presetName  = flag.String("preset", "", "プリセットワークロード名 (basic, retry, faulty, cancel, chaos, quick)")
		threads     = flag.Int("threads", 0, "スレッド数 (0 なら設定値)")
		items       = flag.Int("items", 0, "投入するアイテム数")
		logLevel    = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		listPresets = flag.Bool("list-presets", false, "利用可能なプリセットを表示")
		showVersion = flag.Bool("version", false, "バージョンを表示")
		serverMode  = flag.Bool("server", false, "モニターサーバーモードで起動")
		serverAddr  = flag.String("addr", "", "サーバーアドレス (例: :8080, 0.0.0.0:3000)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `dispatchpool - Worker Thread Pool Driver

Usage:
  dispatchpool [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # プリセットワークロードを実行
  dispatchpool --preset quick

  # 設定ファイルから実行
  dispatchpool --config workload.yaml

  # フラグでカスタマイズ
  dispatchpool --preset retry --threads 8 --items 10000

  # プリセット一覧を表示
  dispatchpool --list-presets

  # モニターサーバーモードで起動
  dispatchpool --server --addr :3000
`)
	}

	flag.Parse()

	// バージョン表示
	if *showVersion {
		fmt.Printf("dispatchpool version %s\n", version)
		return
	}

	// プリセット一覧表示
	if *listPresets {
		printPresets()
		return
	}

	fileConfig, err := loadConfig(*configFile)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	if err := applyLogLevel(fileConfig, *logLevel); err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	// モニターサーバーモード
	if *serverMode {
		addr := fileConfig.Addr()
		if *serverAddr != "" {
			addr = *serverAddr
		}
		if err := runServer(addr, fileConfig.Server.MetricsNamespace); err != nil {
			logger.Error("", "サーバーエラー: %v", err)
			os.Exit(1)
		}
		return
	}

	// ワークロード設定の決定
	workloadConfig, err := buildWorkloadConfig(fileConfig, *configFile != "", *presetName, *threads, *items)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	// ワークロード実行
	if err := runWorkload(workloadConfig); err != nil {
		logger.Error("", "ワークロード実行エラー: %v", err)
		os.Exit(1)
	}
}

// loadConfig は設定ファイルを読み込む。パスが空なら空の設定を返す
func loadConfig(path string) (*config.FileConfig, error) {
	if path == "" {
		return &config.FileConfig{}, nil
	}

	fileConfig, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル読み込みエラー: %w", err)
	}
	if err := fileConfig.Validate(); err != nil {
		return nil, fmt.Errorf("設定検証エラー: %w", err)
	}
	return fileConfig, nil
}

// applyLogLevel はフラグ、なければ設定ファイルのログレベルを既定のロガーに適用する
func applyLogLevel(fileConfig *config.FileConfig, flagLevel string) error {
	level, err := fileConfig.LogLevel()
	if err != nil {
		return err
	}
	if flagLevel != "" {
		level, err = logger.ParseLevel(flagLevel)
		if err != nil {
			return err
		}
	}
	logger.Default.SetLevel(level)
	return nil
}

// buildWorkloadConfig はワークロード設定を構築する
func buildWorkloadConfig(
	fileConfig *config.FileConfig, fromFile bool,
	presetName string, threads, items int,
) (workload.Config, error) {
	var cfg workload.Config

	switch {
	case presetName != "":
		// 1. プリセット指定が最優先
		preset, ok := workload.GetPreset(presetName)
		if !ok {
			return cfg, fmt.Errorf("不明なプリセット: %s (利用可能: %v)", presetName, workload.ListPresets())
		}
		cfg = preset
	case fromFile:
		// 2. 設定ファイルから読み込み
		var err error
		cfg, err = fileConfig.ToWorkloadConfig()
		if err != nil {
			return cfg, fmt.Errorf("設定変換エラー: %w", err)
		}
	default:
		// 3. デフォルト（quickワークロード）
		cfg = workload.QuickWorkload()
	}

	// フラグでオーバーライド
	if threads > 0 {
		cfg.Threads = threads
	}
	if items > 0 {
		cfg.Items = items
	}

	return cfg, cfg.Validate()
}

// runWorkload はワークロードを実行する
func runWorkload(cfg workload.Config) error {
	fmt.Println("dispatchpool - Worker Thread Pool Driver")
	fmt.Println("========================================")
	fmt.Printf("Workload: %s\n", cfg.Name)
	fmt.Printf("Threads: %d, Items: %d, Producers: %d\n", cfg.Threads, cfg.Items, cfg.Producers)
	fmt.Printf("Hook: %s, Retry ratio: %.2f\n", cfg.Hook, cfg.RetryRatio)
	fmt.Printf("Faults: init=%d wait=%d cancel=%d\n", cfg.FailInit, cfg.WaitFailures, cfg.CancelShutdowns)
	fmt.Println("========================================")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n中断シグナルを受信、ワークロードを終了中...")
		cancel()
	}()

	// ワークロード実行
	engine := workload.New(cfg)
	result, err := engine.Run(ctx)
	if result != nil {
		// レポート出力
		fmt.Println(result.Report())
	}
	return err
}

// printPresets は利用可能なプリセットを表示する
func printPresets() {
	fmt.Println("利用可能なプリセットワークロード:")
	fmt.Println()

	for _, name := range workload.ListPresets() {
		cfg, _ := workload.GetPreset(name)
		fmt.Printf("  %-10s %s\n", name, cfg.Description)
	}

	fmt.Println()
	fmt.Println("使用例: dispatchpool --preset quick")
}

// runServer はモニターサーバーを起動する
func runServer(addr, namespace string) error {
	fmt.Println("dispatchpool - Monitor Server")
	fmt.Println("=============================")
	fmt.Printf("Starting server on http://%s\n", addr)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n中断シグナルを受信、サーバーを終了中...")
		cancel()
	}()

	if namespace == "" {
		namespace = api.DefaultNamespace
	}
	server := api.NewServerWithNamespace(addr, namespace)
	return server.Start(ctx)
}
