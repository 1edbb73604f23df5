package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Op llmgateway migrate 的子命令
type Op string

const (
	OpUp      Op = "up"
	OpDown    Op = "down"
	OpReset   Op = "reset"
	OpSteps   Op = "steps"
	OpGoto    Op = "goto"
	OpForce   Op = "force"
	OpVersion Op = "version"
	OpStatus  Op = "status"
	OpInfo    Op = "info"
)

// CLI 执行迁移操作并把结果写到终端
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 替换输出目标
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

// Run 执行 op。arg 只对 steps（正数前进，负数回滚）、goto、force 有意义。
// 修改类操作完成后打印当前 schema 版本。
func (c *CLI) Run(ctx context.Context, op Op, arg int) error {
	switch op {
	case OpVersion:
		return c.printVersion(ctx)
	case OpStatus:
		return c.printStatus(ctx)
	case OpInfo:
		return c.printInfo(ctx)
	}

	banner, run, err := c.mutation(op, arg)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, banner)
	if err := run(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	return c.printVersion(ctx)
}

func (c *CLI) mutation(op Op, arg int) (string, func(context.Context) error, error) {
	m := c.migrator
	switch op {
	case OpUp:
		return "Applying pending migrations (llm_logs, spend_ledger, ft_pairs)...", m.Up, nil
	case OpDown:
		return "Rolling back the last migration...", m.Down, nil
	case OpReset:
		return "Rolling back every migration. Audit, spend and dataset tables will be dropped.", m.DownAll, nil
	case OpSteps:
		if arg == 0 {
			return "", nil, fmt.Errorf("steps must be non-zero")
		}
		banner := fmt.Sprintf("Applying %d migration(s)...", arg)
		if arg < 0 {
			banner = fmt.Sprintf("Rolling back %d migration(s)...", -arg)
		}
		return banner, func(ctx context.Context) error { return m.Steps(ctx, arg) }, nil
	case OpGoto:
		if arg < 0 {
			return "", nil, fmt.Errorf("invalid target version %d", arg)
		}
		return fmt.Sprintf("Migrating to version %d...", arg),
			func(ctx context.Context) error { return m.Goto(ctx, uint(arg)) }, nil
	case OpForce:
		return fmt.Sprintf("Forcing schema version to %d without running SQL...", arg),
			func(ctx context.Context) error { return m.Force(ctx, arg) }, nil
	default:
		return "", nil, fmt.Errorf("unknown migrate operation %q", op)
	}
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version == 0 && !dirty:
		fmt.Fprintln(c.out, "Schema version: none (no migrations applied)")
	case dirty:
		fmt.Fprintf(c.out, "Schema version: %d (dirty)\n", version)
		fmt.Fprintf(c.out, "Fix the failed migration by hand, then run: llmgateway migrate force %d\n", version)
	default:
		fmt.Fprintf(c.out, "Schema version: %d\n", version)
	}
	return nil
}

// printStatus 每个迁移一行，TABLE 列取自迁移名 create_<table>
func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations embedded for this dialect.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tTABLE\tSTATE")
	applied := 0
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			applied++
			state = "applied"
		}
		if s.Dirty {
			state = "DIRTY"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, strings.TrimPrefix(s.Name, "create_"), state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\n%d migrations: %d applied, %d pending\n",
		len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read migration info: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(tw, "dirty:\t%t\n", info.Dirty)
	fmt.Fprintf(tw, "total:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "pending:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}
