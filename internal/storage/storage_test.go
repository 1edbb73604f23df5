package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&LLMLog{}, &FTPair{}))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func pair(tool, dataset string, created time.Time, messages string) FTPair {
	return FTPair{
		Prompt:    "prompt for " + tool,
		Output:    `{"tool":"` + tool + `","arguments":{}}`,
		Meta:      `{"tool_name":"` + tool + `","full_messages":` + messages + `}`,
		Dataset:   dataset,
		ToolName:  tool,
		CreatedAt: created,
	}
}

// =============================================================================
// 审计
// =============================================================================

func TestGormAuditStore_InsertAndList(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormAuditStore(db)
	ctx := context.Background()

	log := &LLMLog{
		RequestID:     "req-1",
		UserID:        "u1",
		Model:         "openai/gpt-4o-mini",
		Provider:      "openrouter",
		PromptMasked:  "Meu CPF é ***.***.***-**",
		CostUSD:       decimal.RequireFromString("0.00075"),
		Status:        StatusSuccess,
		InferenceType: "chat_completion",
	}
	require.NoError(t, store.InsertLog(ctx, log))
	assert.Len(t, log.ID, 36)
	assert.False(t, log.CreatedAt.IsZero())

	require.NoError(t, store.InsertLog(ctx, &LLMLog{RequestID: "req-2", Status: StatusError}))

	all, err := store.ListRecent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	errs, err := store.ListRecent(ctx, StatusError, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "req-2", errs[0].RequestID)
}

func TestGormAuditStore_InsertError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "llm_logs"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewGormAuditStore(db).InsertLog(context.Background(), &LLMLog{Status: StatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert llm log")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeCollection struct {
	docs []any
	err  error
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{}, nil
}

func TestMongoAuditStore_InsertLog(t *testing.T) {
	coll := &fakeCollection{}
	store := &MongoAuditStore{coll: coll, logger: zap.NewNop()}

	log := &LLMLog{Model: "m", CostUSD: decimal.RequireFromString("0.0135"), Status: StatusSuccess}
	require.NoError(t, store.InsertLog(context.Background(), log))
	require.Len(t, coll.docs, 1)

	doc := coll.docs[0].(auditDocument)
	assert.Equal(t, log.ID, doc.ID)
	assert.Equal(t, "0.0135", doc.CostUSD.String())

	coll.err = errors.New("not primary")
	assert.Error(t, store.InsertLog(context.Background(), &LLMLog{}))
	assert.NoError(t, store.Close(context.Background()))
}

func TestNopAuditStore(t *testing.T) {
	log := &LLMLog{}
	require.NoError(t, NopAuditStore{}.InsertLog(context.Background(), log))
	assert.NotEmpty(t, log.ID)
}

// =============================================================================
// 数据集
// =============================================================================

func TestDatasetRepository_InsertAndExport(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDatasetRepository(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	pairs := []FTPair{
		pair("get_weather", "", base, `[{"role":"user","content":"old"}]`),
		pair("get_weather", "", base.Add(time.Hour), `[{"role":"user","content":"new"}]`),
		pair("get_weather", "", base.Add(2*time.Hour), `[]`),
		pair("other", "train", base, `[{"role":"user","content":"train"}]`),
	}
	assert.Equal(t, 4, repo.InsertPairs(ctx, pairs))
	assert.Equal(t, DatasetGenerated, pairs[0].Dataset)

	var buf bytes.Buffer
	n, err := repo.ExportJSONL(ctx, "", &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 2)
	var first struct {
		Messages []map[string]string `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "new", first.Messages[0]["content"])
}

func TestDatasetRepository_Statistics(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDatasetRepository(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	repo.InsertPairs(ctx, []FTPair{
		pair("a", DatasetGenerated, base, `[]`),
		pair("b", DatasetGenerated, base.Add(time.Hour), `[]`),
		pair("a", DatasetGenerated, base.Add(2*time.Hour), `[]`),
		pair("a", DatasetTrain, base, `[]`),
	})
	_, err := repo.UpdateQualityScores(ctx, "b", 0.5)
	require.NoError(t, err)

	all, err := repo.Statistics(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	gen := all[0]
	assert.Equal(t, DatasetGenerated, gen.Dataset)
	assert.Equal(t, int64(3), gen.TotalExamples)
	assert.Equal(t, int64(2), gen.UniqueTools)
	require.NotNil(t, gen.AvgQuality)
	assert.InDelta(t, 0.5, *gen.AvgQuality, 1e-9)
	require.NotNil(t, gen.FirstCreated)
	require.NotNil(t, gen.LastCreated)
	assert.True(t, base.Equal(*gen.FirstCreated))
	assert.True(t, base.Add(2*time.Hour).Equal(*gen.LastCreated))

	train, err := repo.Statistics(ctx, DatasetTrain)
	require.NoError(t, err)
	require.Len(t, train, 1)
	assert.Nil(t, train[0].AvgQuality)

	none, err := repo.Statistics(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDatasetRepository_UpdateQualityScores(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDatasetRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	repo.InsertPairs(ctx, []FTPair{pair("a", "", now, `[]`), pair("a", "", now, `[]`), pair("b", "", now, `[]`)})

	n, err := repo.UpdateQualityScores(ctx, "a", 0.9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 已评分的不再更新
	n, err = repo.UpdateQualityScores(ctx, "a", 0.1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	var validated int64
	require.NoError(t, db.Model(&FTPair{}).Where("is_validated = ?", true).Count(&validated).Error)
	assert.Equal(t, int64(2), validated)

	for _, bad := range []float64{-0.1, 1.01} {
		_, err := repo.UpdateQualityScores(ctx, "b", bad)
		assert.Error(t, err)
	}
}

func TestDatasetRepository_SplitDataset(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDatasetRepository(db, zap.NewNop())
	repo.shuffle = func(int, func(i, j int)) {}
	ctx := context.Background()
	now := time.Now().UTC()

	pairs := make([]FTPair, 10)
	for i := range pairs {
		pairs[i] = pair("a", "", now, `[]`)
	}
	require.Equal(t, 10, repo.InsertPairs(ctx, pairs))

	res, err := repo.SplitDataset(ctx, "", 0.8, 0.1, 0.1)
	require.NoError(t, err)
	assert.Equal(t, SplitResult{Train: 8, Val: 1, Test: 1, Total: 10}, *res)

	counts := map[string]int64{}
	for _, ds := range []string{DatasetTrain, DatasetVal, DatasetTest, DatasetGenerated} {
		var n int64
		require.NoError(t, db.Model(&FTPair{}).Where("dataset = ?", ds).Count(&n).Error)
		counts[ds] = n
	}
	assert.Equal(t, map[string]int64{DatasetTrain: 8, DatasetVal: 1, DatasetTest: 1, DatasetGenerated: 0}, counts)

	_, err = repo.SplitDataset(ctx, "", 0.5, 0.1, 0.1)
	assert.Error(t, err)

	empty, err := repo.SplitDataset(ctx, "nothing", 0.8, 0.1, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
}

func TestDatasetRepository_SplitDatasetRerunsTransaction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// 第一次执行模拟序列化冲突，第二次正常提交
	runs := 0
	runner := func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		for {
			runs++
			err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := fn(tx); err != nil {
					return err
				}
				if runs == 1 {
					return errors.New("could not serialize access")
				}
				return nil
			})
			if err == nil || runs >= 2 {
				return err
			}
		}
	}
	repo := NewDatasetRepository(db, zap.NewNop(), WithTxRunner(runner))
	repo.shuffle = func(int, func(i, j int)) {}

	now := time.Now().UTC()
	require.Equal(t, 4, repo.InsertPairs(ctx, []FTPair{
		pair("a", "", now, `[]`), pair("a", "", now, `[]`),
		pair("b", "", now, `[]`), pair("b", "", now, `[]`),
	}))

	res, err := repo.SplitDataset(ctx, "", 0.5, 0.25, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Equal(t, SplitResult{Train: 2, Val: 1, Test: 1, Total: 4}, *res)
}
