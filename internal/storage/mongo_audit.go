package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig MongoDB 审计配置
type MongoConfig struct {
	URI            string        `yaml:"mongo_uri" json:"mongo_uri"`
	Database       string        `yaml:"mongo_database" json:"mongo_database"`
	Collection     string        `yaml:"mongo_collection" json:"mongo_collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// insertOner 集合写入能力，测试可替换
type insertOner interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

// MongoAuditStore 写入 MongoDB 的审计记录
type MongoAuditStore struct {
	client *mongo.Client
	coll   insertOner
	logger *zap.Logger
}

type auditDocument struct {
	ID                  string          `bson:"_id"`
	RequestID           string          `bson:"request_id"`
	UserID              string          `bson:"user_id"`
	Model               string          `bson:"model"`
	Provider            string          `bson:"provider"`
	PromptMasked        string          `bson:"prompt_masked"`
	ResponseMasked      string          `bson:"response_masked"`
	InputTokens         int             `bson:"input_tokens"`
	OutputTokens        int             `bson:"output_tokens"`
	CostUSD             bson.Decimal128 `bson:"cost_usd"`
	LatencyMS           int64           `bson:"latency_ms"`
	Status              string          `bson:"status"`
	InferenceType       string          `bson:"inference_type"`
	GuardrailsTriggered string          `bson:"guardrails_triggered"`
	PromptVersion       string          `bson:"prompt_version"`
	CreatedAt           time.Time       `bson:"created_at"`
}

func toAuditDocument(log *LLMLog) (auditDocument, error) {
	cost, err := bson.ParseDecimal128(log.CostUSD.String())
	if err != nil {
		return auditDocument{}, fmt.Errorf("convert cost: %w", err)
	}
	return auditDocument{
		ID:                  log.ID,
		RequestID:           log.RequestID,
		UserID:              log.UserID,
		Model:               log.Model,
		Provider:            log.Provider,
		PromptMasked:        log.PromptMasked,
		ResponseMasked:      log.ResponseMasked,
		InputTokens:         log.InputTokens,
		OutputTokens:        log.OutputTokens,
		CostUSD:             cost,
		LatencyMS:           log.LatencyMS,
		Status:              log.Status,
		InferenceType:       log.InferenceType,
		GuardrailsTriggered: log.GuardrailsTriggered,
		PromptVersion:       log.PromptVersion,
		CreatedAt:           log.CreatedAt,
	}, nil
}

// NewMongoAuditStore 连接 MongoDB 并返回审计写入
func NewMongoAuditStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoAuditStore, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAppName("llmgateway"))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.Info("mongo audit store connected",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))

	return &MongoAuditStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger.With(zap.String("component", "mongo_audit")),
	}, nil
}

// InsertLog 写入一条审计文档
func (s *MongoAuditStore) InsertLog(ctx context.Context, log *LLMLog) error {
	prepareLog(log)
	doc, err := toAuditDocument(log)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit document: %w", err)
	}
	return nil
}

// Ping 健康检查
func (s *MongoAuditStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

// Close 断开连接
func (s *MongoAuditStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
