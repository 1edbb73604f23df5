package migration

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmgateway/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", "postgres", DatabaseTypePostgres, false},
		{"postgresql", "postgresql", DatabaseTypePostgres, false},
		{"pg", "pg", DatabaseTypePostgres, false},
		{"mysql", "mysql", DatabaseTypeMySQL, false},
		{"mariadb", "mariadb", DatabaseTypeMySQL, false},
		{"sqlite", "sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", "sqlite3", DatabaseTypeSQLite, false},
		{"uppercase", "POSTGRES", DatabaseTypePostgres, false},
		{"invalid", "oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestMigrationDSN(t *testing.T) {
	base := config.DatabaseConfig{Host: "db", Name: "llmgateway", User: "gw", Password: "p@ss/word"}

	t.Run("postgres_defaults_to_require", func(t *testing.T) {
		cfg := base
		cfg.Driver, cfg.Port = "postgresql", 5432
		dt, dsn, err := MigrationDSN(cfg)
		require.NoError(t, err)
		assert.Equal(t, DatabaseTypePostgres, dt)

		pc, err := pgconn.ParseConfig(dsn)
		require.NoError(t, err)
		assert.Equal(t, "p@ss/word", pc.Password)
		assert.Equal(t, "llmgateway", pc.Database)
		assert.Contains(t, dsn, "sslmode=require")
	})

	t.Run("postgres_keeps_sslmode", func(t *testing.T) {
		cfg := base
		cfg.Driver, cfg.Port, cfg.SSLMode = "postgres", 5432, "disable"
		_, dsn, err := MigrationDSN(cfg)
		require.NoError(t, err)
		assert.Contains(t, dsn, "sslmode=disable")
	})

	t.Run("mysql_multi_statements", func(t *testing.T) {
		cfg := base
		cfg.Driver, cfg.Port = "mariadb", 3306
		dt, dsn, err := MigrationDSN(cfg)
		require.NoError(t, err)
		assert.Equal(t, DatabaseTypeMySQL, dt)

		mc, err := mysql.ParseDSN(dsn)
		require.NoError(t, err)
		assert.True(t, mc.MultiStatements)
		assert.True(t, mc.ParseTime)
		assert.Equal(t, "db:3306", mc.Addr)
		assert.Equal(t, "p@ss/word", mc.Passwd)
	})

	t.Run("sqlite_foreign_keys", func(t *testing.T) {
		dt, dsn, err := MigrationDSN(config.DatabaseConfig{Driver: "sqlite", Name: "/var/lib/llmgateway.db"})
		require.NoError(t, err)
		assert.Equal(t, DatabaseTypeSQLite, dt)
		assert.True(t, strings.HasPrefix(dsn, "file:/var/lib/llmgateway.db?"))

		q, err := url.ParseQuery(strings.SplitN(dsn, "?", 2)[1])
		require.NoError(t, err)
		assert.Equal(t, "foreign_keys(1)", q.Get("_pragma"))
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := MigrationDSN(config.DatabaseConfig{Driver: "oracle"})
		assert.Error(t, err)
	})
}

func TestMigratorInfo_CountsFromEmbeddedFiles(t *testing.T) {
	m, err := NewMigratorWithDB(openTestDB(t), DatabaseTypeSQLite)
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Steps(ctx, 2))
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, 3, info.TotalMigrations)
	assert.Equal(t, 2, info.AppliedMigrations)
	assert.Equal(t, 1, info.PendingMigrations)

	require.NoError(t, m.Force(ctx, 3))
	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
}

func TestAvailableMigrations_AllDialects(t *testing.T) {
	want := []string{"create_llm_logs", "create_spend_ledger", "create_ft_pairs"}

	for _, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dt), func(t *testing.T) {
			files, err := availableMigrations(dt)
			require.NoError(t, err)
			require.Len(t, files, len(want))
			for i, f := range files {
				assert.Equal(t, uint(i+1), f.version)
				assert.Equal(t, want[i], f.name)
			}
		})
	}

	_, err := availableMigrations(DatabaseType("oracle"))
	assert.Error(t, err)
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil config")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty database url")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dialect")

	_, err = NewMigratorWithDB(nil, DatabaseTypeSQLite)
	assert.Error(t, err)
}

func TestNewMigratorFromDatabaseConfig_Errors(t *testing.T) {
	_, err := NewMigratorFromConfig(nil)
	assert.Error(t, err)

	_, err = NewMigratorFromDatabaseConfig(config.DatabaseConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	_, err = NewMigratorFromDatabaseConfig(config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")

	_, err = NewMigratorFromURL("oracle", "x")
	assert.Error(t, err)
}

// --- 基于纯 Go sqlite 的集成测试 ---

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrator_SQLite_UpDown(t *testing.T) {
	db := openTestDB(t)
	m, err := NewMigratorWithDB(db, DatabaseTypeSQLite)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "second up is a no-op")

	for _, table := range []string{"llm_logs", "spend_ledger", "ft_pairs"} {
		assert.True(t, tableExists(t, db, table), table)
	}

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), info.CurrentVersion)
	assert.Equal(t, 3, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)

	require.NoError(t, m.Down(ctx))
	assert.False(t, tableExists(t, db, "ft_pairs"))
	assert.True(t, tableExists(t, db, "spend_ledger"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[1].Applied)
	assert.False(t, statuses[2].Applied)

	require.NoError(t, m.Goto(ctx, 1))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, m.DownAll(ctx))
	assert.False(t, tableExists(t, db, "llm_logs"))
}

func TestAutoMigrate_KeepsSharedConnectionOpen(t *testing.T) {
	db := openTestDB(t)

	version, err := AutoMigrate(context.Background(), db, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)

	require.NoError(t, db.Ping(), "shared pool must survive migrator close")
	_, err = db.Exec(`INSERT INTO spend_ledger (credential_hash, model, cost_usd) VALUES ('h', 'openai/gpt-4o-mini', 0.01)`)
	require.NoError(t, err)

	_, err = AutoMigrate(context.Background(), db, "oracle")
	assert.Error(t, err)
}

// --- CLI ---

type fakeMigrator struct {
	version  uint
	dirty    bool
	statuses []MigrationStatus
	upErr    error
}

func (f *fakeMigrator) Up(context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 3
	return nil
}
func (f *fakeMigrator) Down(context.Context) error           { f.version--; return nil }
func (f *fakeMigrator) DownAll(context.Context) error        { f.version = 0; return nil }
func (f *fakeMigrator) Steps(_ context.Context, n int) error { f.version = uint(int(f.version) + n); return nil }
func (f *fakeMigrator) Goto(_ context.Context, v uint) error { f.version = v; return nil }
func (f *fakeMigrator) Force(_ context.Context, v int) error { f.version = uint(v); return nil }
func (f *fakeMigrator) Version(context.Context) (uint, bool, error) {
	return f.version, f.dirty, nil
}
func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) { return f.statuses, nil }
func (f *fakeMigrator) Info(context.Context) (*MigrationInfo, error) {
	return &MigrationInfo{CurrentVersion: f.version, Dirty: f.dirty, TotalMigrations: 3}, nil
}
func (f *fakeMigrator) Close() error { return nil }

func TestCLI_Run(t *testing.T) {
	ctx := context.Background()
	fm := &fakeMigrator{}
	cli := NewCLI(fm)
	var buf bytes.Buffer
	cli.SetOutput(&buf)

	require.NoError(t, cli.Run(ctx, OpVersion, 0))
	assert.Contains(t, buf.String(), "no migrations applied")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, OpUp, 0))
	assert.Contains(t, buf.String(), "spend_ledger")
	assert.Contains(t, buf.String(), "Schema version: 3")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, OpSteps, -2))
	assert.Contains(t, buf.String(), "Rolling back 2 migration(s)")
	assert.Contains(t, buf.String(), "Schema version: 1")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, OpGoto, 2))
	assert.Contains(t, buf.String(), "Schema version: 2")

	buf.Reset()
	fm.dirty = true
	require.NoError(t, cli.Run(ctx, OpVersion, 0))
	assert.Contains(t, buf.String(), "(dirty)")
	assert.Contains(t, buf.String(), "llmgateway migrate force 2")

	buf.Reset()
	require.NoError(t, cli.Run(ctx, OpInfo, 0))
	assert.Regexp(t, `total:\s+3`, buf.String())

	buf.Reset()
	require.NoError(t, cli.Run(ctx, OpReset, 0))
	assert.Equal(t, uint(0), fm.version)
}

func TestCLI_RejectsBadArguments(t *testing.T) {
	cli := NewCLI(&fakeMigrator{})
	cli.SetOutput(&bytes.Buffer{})
	ctx := context.Background()

	assert.Error(t, cli.Run(ctx, OpSteps, 0))
	assert.Error(t, cli.Run(ctx, OpGoto, -1))
	assert.Error(t, cli.Run(ctx, Op("sideways"), 0))
}

func TestCLI_Status(t *testing.T) {
	fm := &fakeMigrator{statuses: []MigrationStatus{
		{Version: 1, Name: "create_llm_logs", Applied: true},
		{Version: 2, Name: "create_spend_ledger", Applied: true, Dirty: true},
		{Version: 3, Name: "create_ft_pairs"},
	}}
	cli := NewCLI(fm)
	var buf bytes.Buffer
	cli.SetOutput(&buf)

	require.NoError(t, cli.Run(context.Background(), OpStatus, 0))
	out := buf.String()
	assert.Contains(t, out, "000001")
	assert.Contains(t, out, "llm_logs")
	assert.Contains(t, out, "DIRTY")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "3 migrations: 2 applied, 1 pending")
}

func TestCLI_PropagatesErrors(t *testing.T) {
	cli := NewCLI(&fakeMigrator{upErr: errors.New("lock timeout")})
	cli.SetOutput(&bytes.Buffer{})

	err := cli.Run(context.Background(), OpUp, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up")
	assert.Contains(t, err.Error(), "lock timeout")
}
