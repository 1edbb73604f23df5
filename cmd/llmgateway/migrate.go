package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/llmgateway/internal/migration"
)

// =============================================================================
// 数据库迁移命令
// =============================================================================

// runMigrate 分发 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch op := migration.Op(subcommand); op {
	case migration.OpUp, migration.OpReset, migration.OpStatus, migration.OpInfo, migration.OpVersion:
		withMigrator(op, 0, subargs)
	case migration.OpDown:
		runMigrateDown(subargs)
	case migration.OpSteps, migration.OpGoto, migration.OpForce:
		n := parseIntArg(subcommand, subargs)
		withMigrator(op, n, subargs[1:])
	default:
		switch subcommand {
		case "help", "-h", "--help":
			printMigrateUsage()
		default:
			fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
			printMigrateUsage()
			os.Exit(1)
		}
	}
}

// printMigrateUsage 打印 migrate 用法
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  llmgateway migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration (--all to rollback everything)
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  status      Show migration status
  info        Show detailed migration info
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Tables:
  llm_logs       audit log of every governed request
  spend_ledger   per-credential spend entries
  ft_pairs       generated fine-tuning examples

Examples:
  llmgateway migrate up
  llmgateway migrate up --config /etc/llmgateway/config.yaml
  llmgateway migrate up --db-type sqlite --db-url ./llmgateway.db
  llmgateway migrate down
  llmgateway migrate status
  llmgateway migrate goto 1
  llmgateway migrate force 0
  llmgateway migrate reset`)
}

// migratorFlags 各子命令共用的连接参数
type migratorFlags struct {
	configPath *string
	dbType     *string
	dbURL      *string
}

func registerMigratorFlags(fs *flag.FlagSet) migratorFlags {
	return migratorFlags{
		configPath: fs.String("config", "", "Path to config file"),
		dbType:     fs.String("db-type", "", "Database type (postgres, mysql, sqlite)"),
		dbURL:      fs.String("db-url", "", "Database connection URL"),
	}
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件构造
func createMigrator(f migratorFlags) (*migration.DefaultMigrator, error) {
	if *f.dbType != "" && *f.dbURL != "" {
		return migration.NewMigratorFromURL(*f.dbType, *f.dbURL)
	}

	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *f.dbType != "" {
		cfg.Database.Driver = *f.dbType
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// withMigrator 解析连接参数、打开迁移器并执行 op，失败时退出进程
func withMigrator(op migration.Op, arg int, args []string) {
	fs := flag.NewFlagSet("migrate "+string(op), flag.ExitOnError)
	flags := registerMigratorFlags(fs)
	_ = fs.Parse(args)

	execMigration(op, arg, flags)
}

func execMigration(op migration.Op, arg int, flags migratorFlags) {
	migrator, err := createMigrator(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	err = migration.NewCLI(migrator).Run(context.Background(), op, arg)
	_ = migrator.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runMigrateDown 回滚最后一次迁移，--all 等同 reset
func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")
	flags := registerMigratorFlags(fs)
	_ = fs.Parse(args)

	op := migration.OpDown
	if *all {
		op = migration.OpReset
	}
	execMigration(op, 0, flags)
}

// parseIntArg 读取子命令的第一个位置参数
func parseIntArg(subcommand string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: llmgateway migrate %s <number>\n", subcommand)
		os.Exit(1)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid number: %s\n", args[0])
		os.Exit(1)
	}
	return n
}
