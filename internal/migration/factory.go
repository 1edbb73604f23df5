package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-sql-driver/mysql"

	"github.com/BaSui01/llmgateway/config"
)

// NewMigratorFromConfig 从应用配置创建迁移器
func NewMigratorFromConfig(cfg *config.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("migration: nil config")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig 从数据库配置创建迁移器，sqlite 的 Name 为文件路径
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig) (*DefaultMigrator, error) {
	if dbCfg.Driver == "" {
		return nil, errors.New("migration: database.driver not configured")
	}
	dbType, dsn, err := MigrationDSN(dbCfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: dsn})
}

// MigrationDSN 在 config.DatabaseConfig.DSN 的基础上补齐迁移需要的参数：
// postgres 未配置 sslmode 时默认 require，mysql 打开 multiStatements，
// sqlite 打开外键约束。
func MigrationDSN(dbCfg config.DatabaseConfig) (DatabaseType, string, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}

	switch dbType {
	case DatabaseTypePostgres:
		if dbCfg.SSLMode == "" {
			dbCfg.SSLMode = "require"
		}
		dbCfg.Driver = "postgres"
		return dbType, dbCfg.DSN(), nil
	case DatabaseTypeMySQL:
		dbCfg.Driver = "mysql"
		mc, err := mysql.ParseDSN(dbCfg.DSN())
		if err != nil {
			return "", "", fmt.Errorf("migration: mysql dsn: %w", err)
		}
		mc.MultiStatements = true
		return dbType, mc.FormatDSN(), nil
	default:
		q := url.Values{"_pragma": {"foreign_keys(1)"}}
		return dbType, "file:" + dbCfg.Name + "?" + q.Encode(), nil
	}
}

// NewMigratorFromURL 从方言名和连接串创建迁移器，供 migrate --db-url 使用
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}

// AutoMigrate 在已打开的连接上执行全部待执行迁移，返回当前版本。
// 供 database.auto_migrate 开启时的服务启动流程使用。
func AutoMigrate(ctx context.Context, db *sql.DB, driver string) (uint, error) {
	dt, err := ParseDatabaseType(driver)
	if err != nil {
		return 0, err
	}
	m, err := NewMigratorWithDB(db, dt)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return 0, err
	}
	version, _, err := m.Version(ctx)
	return version, err
}
