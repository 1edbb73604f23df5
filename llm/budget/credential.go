package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AnonymousCredential 缺失凭证时的占位值
const AnonymousCredential = "anonymous"

// HashCredential 返回凭证的 SHA-256 十六进制摘要
func HashCredential(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = AnonymousCredential
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ShortHash 日志用的哈希前缀
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
