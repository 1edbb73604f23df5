package main

import (
	"cmp"
	"net/http"
	"slices"
	"strings"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/internal/ctxkeys"
	"github.com/BaSui01/llmgateway/llm/budget"
	"github.com/BaSui01/llmgateway/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// APIKeyAuth 校验调用方的 API Key，validKeys 为空时不校验。
// Key 取自 X-API-Key，缺失时取 Authorization: Bearer。
// 通过校验的 Key 即花费凭证，同时携带的其他 Bearer 不参与计费。
func APIKeyAuth(validKeys []string, skip func(path string) bool, logger *zap.Logger) Middleware {
	if len(validKeys) == 0 {
		return passthrough
	}
	allowed := slices.Clone(validKeys)
	slices.Sort(allowed)

	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if skip != nil && skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := cmp.Or(r.Header.Get("X-API-Key"), handlers.BearerToken(r))
		if _, found := slices.BinarySearch(allowed, key); key == "" || !found {
			logger.Debug("api key rejected", zap.String("path", r.URL.Path))
			handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or missing API key", logger)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithCredential(r.Context(), key)))
	})
}

// adminGate 校验 /datasets 管理接口的 Bearer JWT
type adminGate struct {
	secret []byte
	role   string
	opts   []jwt.ParserOption
	logger *zap.Logger
}

func newAdminGate(cfg config.AuthConfig, logger *zap.Logger) *adminGate {
	g := &adminGate{
		secret: []byte(cfg.JWTSecret),
		role:   cfg.AdminRole,
		opts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		},
		logger: logger,
	}
	if cfg.JWTIssuer != "" {
		g.opts = append(g.opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		g.opts = append(g.opts, jwt.WithAudience(cfg.JWTAudience))
	}
	return g
}

// authorize 返回 JWT 的 subject；失败时返回应答状态码与消息
func (g *adminGate) authorize(r *http.Request) (string, int, string) {
	raw := handlers.BearerToken(r)
	if raw == "" {
		return "", http.StatusUnauthorized, "missing or malformed Authorization header"
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return g.secret, nil }, g.opts...)
	if err != nil {
		g.logger.Debug("admin token rejected", zap.Error(err))
		return "", http.StatusUnauthorized, "invalid or expired token"
	}
	if !slices.Contains(claimRoles(claims), g.role) {
		return "", http.StatusForbidden, "admin role required"
	}
	sub, _ := claims.GetSubject()
	return sub, 0, ""
}

// JWTAdminAuth 保护 /datasets 管理接口：HS256 签名，校验 issuer/audience，
// 并要求 roles 声明包含管理员角色。jwt_secret 为空时接口整体关闭。
func JWTAdminAuth(cfg config.AuthConfig, logger *zap.Logger) Middleware {
	if cfg.JWTSecret == "" {
		return around(func(w http.ResponseWriter, _ *http.Request, _ http.Handler) {
			handlers.WriteErrorMessage(w, http.StatusForbidden, types.ErrForbidden, "admin API is disabled", logger)
		})
	}
	gate := newAdminGate(cfg, logger)

	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		sub, status, msg := gate.authorize(r)
		if status != 0 {
			code := types.ErrUnauthorized
			if status == http.StatusForbidden {
				code = types.ErrForbidden
			}
			handlers.WriteErrorMessage(w, status, code, msg, logger)
			return
		}
		if sub != "" {
			r = r.WithContext(ctxkeys.WithSubject(r.Context(), sub))
		}
		next.ServeHTTP(w, r)
	})
}

// claimRoles 读取 roles（数组或空格分隔字符串）与 role 声明
func claimRoles(claims jwt.MapClaims) []string {
	var roles []string
	switch v := claims["roles"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
	case string:
		roles = strings.Fields(v)
	}
	if s, _ := claims["role"].(string); s != "" {
		roles = append(roles, s)
	}
	return roles
}

// costLimitResponse 花费超限时的 429 响应体
type costLimitResponse struct {
	Error           string  `json:"error"`
	Message         string  `json:"message"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
}

func isChatPath(p string) bool { return p == "/chat" || strings.HasPrefix(p, "/chat/") }

// CostLimit 在进入 /chat 路由前按凭证检查当日花费，预估成本为零。
// 精确的预留与记账在编排器内完成，这里只挡掉已经超限的调用方。
func CostLimit(limiter *budget.CostLimiter, logger *zap.Logger) Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if !isChatPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		cred := handlers.Credential(r)
		check := limiter.CheckLimit(r.Context(), cred, decimal.Zero, budget.InferenceDefault)
		if check.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		logger.Warn("daily spend limit reached",
			zap.String("credential", budget.ShortHash(budget.HashCredential(cred))),
			zap.String("path", r.URL.Path),
			zap.Stringer("current_spend_usd", check.CurrentSpend),
			zap.Stringer("daily_limit_usd", check.Limit),
		)
		handlers.WriteJSON(w, http.StatusTooManyRequests, costLimitResponse{
			Error:           "rate_limit_exceeded",
			Message:         check.Message,
			CurrentSpendUSD: check.CurrentSpend.InexactFloat64(),
			DailyLimitUSD:   check.Limit.InexactFloat64(),
		})
	})
}
