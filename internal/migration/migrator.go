package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultTableName 迁移版本表
const DefaultTableName = "schema_migrations"

const defaultLockTimeout = 15 * time.Second

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// dialect 一种方言需要的 database/sql 驱动名与 golang-migrate 驱动
type dialect struct {
	sqlDriver string
	wrap      func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		sqlDriver: "pgx",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeMySQL: {
		sqlDriver: "mysql",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeSQLite: {
		sqlDriver: "sqlite",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
		},
	},
}

func lookupDialect(dt DatabaseType) (dialect, error) {
	d, ok := dialects[dt]
	if !ok {
		return dialect{}, fmt.Errorf("migration: no dialect %q", dt)
	}
	return d, nil
}

// dir 方言在内嵌文件系统中的目录
func (dt DatabaseType) dir() string { return path.Join("migrations", string(dt)) }

// MigrationStatus 单个迁移的状态
type MigrationStatus struct {
	Version   uint
	Name      string
	Applied   bool
	AppliedAt *time.Time
	Dirty     bool
}

// MigrationInfo 迁移汇总
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置。DatabaseURL 是对应 database/sql 驱动能识别的连接串，
// 通常由 NewMigratorFromDatabaseConfig 从 config.DatabaseConfig 生成。
type Config struct {
	DatabaseType DatabaseType
	DatabaseURL  string
	TableName    string
	LockTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TableName == "" {
		out.TableName = DefaultTableName
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = defaultLockTimeout
	}
	return out
}

// Migrator 迁移操作集合
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	// Steps 正数前进，负数回滚
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	// Force 只改版本号，不执行 SQL，用于修复 dirty 状态
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// DefaultMigrator 基于 golang-migrate 与内嵌 SQL 文件的实现
type DefaultMigrator struct {
	dbType DatabaseType
	m      *migrate.Migrate
	src    source.Driver

	// 外部传入的连接不由迁移器关闭
	ownsDB bool
}

// NewMigrator 按 DatabaseURL 自行建连，Close 时一并关闭
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("migration: nil config")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("migration: empty database url")
	}
	c := cfg.withDefaults()

	d, err := lookupDialect(c.DatabaseType)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.sqlDriver, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("migration: open %s: %w", c.DatabaseType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.LockTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: reach %s: %w", c.DatabaseType, err)
	}

	mg, err := build(c, d, db, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return mg, nil
}

// NewMigratorWithDB 复用已有连接，例如服务启动时的连接池。Close 不会关闭 db。
func NewMigratorWithDB(db *sql.DB, dbType DatabaseType) (*DefaultMigrator, error) {
	if db == nil {
		return nil, errors.New("migration: nil database handle")
	}
	c := (&Config{DatabaseType: dbType}).withDefaults()
	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}
	return build(c, d, db, false)
}

func build(c Config, d dialect, db *sql.DB, ownsDB bool) (*DefaultMigrator, error) {
	target, err := d.wrap(db, c.TableName)
	if err != nil {
		return nil, fmt.Errorf("migration: %s driver: %w", c.DatabaseType, err)
	}
	src, err := iofs.New(migrationsFS, c.DatabaseType.dir())
	if err != nil {
		return nil, fmt.Errorf("migration: embedded source: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, string(c.DatabaseType), target)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("migration: %w", err)
	}
	mg.LockTimeout = c.LockTimeout
	return &DefaultMigrator{dbType: c.DatabaseType, m: mg, src: src, ownsDB: ownsDB}, nil
}

// apply 执行一次 golang-migrate 操作，没有可执行的迁移不算失败
func apply(op string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("migration %s: %w", op, err)
}

func (d *DefaultMigrator) Up(context.Context) error      { return apply("up", d.m.Up()) }
func (d *DefaultMigrator) Down(context.Context) error    { return apply("down", d.m.Steps(-1)) }
func (d *DefaultMigrator) DownAll(context.Context) error { return apply("reset", d.m.Down()) }

func (d *DefaultMigrator) Steps(_ context.Context, n int) error {
	return apply("steps "+strconv.Itoa(n), d.m.Steps(n))
}

func (d *DefaultMigrator) Goto(_ context.Context, version uint) error {
	return apply(fmt.Sprintf("goto %d", version), d.m.Migrate(version))
}

func (d *DefaultMigrator) Force(_ context.Context, version int) error {
	if err := d.m.Force(version); err != nil {
		return fmt.Errorf("migration force %d: %w", version, err)
	}
	return nil
}

// Version 未执行过任何迁移时返回 0
func (d *DefaultMigrator) Version(context.Context) (uint, bool, error) {
	v, dirty, err := d.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// Status 以内嵌文件为准列出每个迁移，版本不大于当前版本即视为已执行
func (d *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	files, err := availableMigrations(d.dbType)
	if err != nil {
		return nil, err
	}
	current, dirty, err := d.Version(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(files))
	for i, f := range files {
		out[i] = MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		}
	}
	return out, nil
}

func (d *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	files, err := availableMigrations(d.dbType)
	if err != nil {
		return nil, err
	}
	current, dirty, err := d.Version(ctx)
	if err != nil {
		return nil, err
	}
	// 文件按版本升序，第一个大于 current 的位置即已执行数量
	applied, _ := slices.BinarySearchFunc(files, current+1, func(f migrationFile, v uint) int {
		return int(f.version) - int(v)
	})
	return &MigrationInfo{
		CurrentVersion:    current,
		Dirty:             dirty,
		TotalMigrations:   len(files),
		AppliedMigrations: applied,
		PendingMigrations: len(files) - applied,
	}, nil
}

// Close 自有连接时关闭整个 migrate 实例，否则只关闭源驱动
func (d *DefaultMigrator) Close() error {
	if d == nil || d.m == nil {
		return nil
	}
	var err error
	if d.ownsDB {
		srcErr, dbErr := d.m.Close()
		err = errors.Join(srcErr, dbErr)
	} else {
		err = d.src.Close()
	}
	if err != nil {
		return fmt.Errorf("migration close: %w", err)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations 解析 000001_name.up.sql 形式的文件名，按版本升序
func availableMigrations(dt DatabaseType) ([]migrationFile, error) {
	if _, err := lookupDialect(dt); err != nil {
		return nil, err
	}
	ups, err := fs.Glob(migrationsFS, path.Join(dt.dir(), "*.up.sql"))
	if err != nil {
		return nil, fmt.Errorf("migration: list %s: %w", dt, err)
	}

	files := make([]migrationFile, 0, len(ups))
	for _, p := range ups {
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(path.Base(p), ".up.sql"), "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: rest})
	}
	slices.SortFunc(files, func(a, b migrationFile) int { return int(a.version) - int(b.version) })
	return slices.CompactFunc(files, func(a, b migrationFile) bool { return a.version == b.version }), nil
}

// ParseDatabaseType 解析方言名，接受 database.driver 的常见别名
func ParseDatabaseType(s string) (DatabaseType, error) {
	aliases := map[string]DatabaseType{
		"postgres": DatabaseTypePostgres, "postgresql": DatabaseTypePostgres, "pg": DatabaseTypePostgres,
		"mysql": DatabaseTypeMySQL, "mariadb": DatabaseTypeMySQL,
		"sqlite": DatabaseTypeSQLite, "sqlite3": DatabaseTypeSQLite,
	}
	if dt, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return dt, nil
	}
	return "", fmt.Errorf("migration: no dialect %q", s)
}
