// llmgateway 请求治理网关的命令行入口。
//
//	llmgateway serve [--config config.yaml]
//	llmgateway migrate <up|down|steps|goto|force|reset|status|info|version>
//	llmgateway health [--addr http://localhost:8000]
//	llmgateway version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/config"
)

// 构建时通过 -ldflags "-X main.Version=..." 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "migrate":
		runMigrate(args)
	case "health":
		os.Exit(runHealthCheck(args))
	case "version":
		fmt.Printf("llmgateway %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "llmgateway: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// loadConfig 工作目录下的 .env 作为环境变量的补充
func loadConfig(path string, extra ...config.Option) (*config.Config, error) {
	opts := append([]config.Option{config.WithFile(path), config.WithDotEnv(".env")}, extra...)
	return config.Load(opts...)
}

// runServe 返回进程退出码
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, config.WithValidation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmgateway: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmgateway: logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting llmgateway",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("built", BuildTime))

	ctx := context.Background()
	srv := NewServer(cfg, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("startup failed", zap.Error(err))
		srv.Shutdown(ctx)
		return 1
	}
	if err := srv.WaitForShutdown(ctx); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("llmgateway stopped")
	return 0
}

// runHealthCheck 请求 /ready，容器探针使用
func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8000", "gateway base URL")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*addr + "/ready")
	if err != nil {
		fmt.Fprintf(os.Stderr, "not ready: %v\n", err)
		return 1
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "not ready: HTTP %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("ready")
	return 0
}

func printUsage() {
	fmt.Print(`llmgateway: LLM request governance gateway

Usage:
  llmgateway serve   [--config <file>]     run the gateway
  llmgateway migrate <subcommand> [flags]  manage the database schema
  llmgateway health  [--addr <url>]        probe /ready, exit 1 when not ready
  llmgateway version                       print build information

Configuration is merged from defaults, the YAML file, .env and LLMGW_*
variables (for example LLMGW_COST_DAILY_LIMIT_USD=15). OPENROUTER_API_KEY
is used when LLMGW_OPENROUTER_API_KEY is not set.

Run "llmgateway migrate help" for migration subcommands.
`)
}
