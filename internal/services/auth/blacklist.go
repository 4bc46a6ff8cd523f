package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// defaultBlacklistNamespace prefixes revoked jti keys in the distributed KV.
const defaultBlacklistNamespace = "auth:blacklist"

// RedisBlacklist is the distributed jti revocation set. Entries are plain
// SET-with-TTL keys so a revocation lapses exactly when the token would
// have. Writes are append-only; nothing ever un-revokes a jti.
type RedisBlacklist struct {
	client    *redis.Client
	namespace string
	logger    arbor.ILogger
}

var _ interfaces.Blacklist = (*RedisBlacklist)(nil)

// NewRedisBlacklist creates the blacklist under the given namespace, or
// "auth:blacklist" when empty.
func NewRedisBlacklist(client *redis.Client, namespace string, logger arbor.ILogger) *RedisBlacklist {
	if namespace == "" {
		namespace = defaultBlacklistNamespace
	}
	return &RedisBlacklist{client: client, namespace: namespace, logger: logger}
}

func (b *RedisBlacklist) key(jti string) string {
	return b.namespace + ":" + jti
}

// Revoke records a jti for ttlSeconds. A non-positive TTL means the token
// has already lapsed on its own and there is nothing left to revoke.
func (b *RedisBlacklist) Revoke(ctx context.Context, jti string, ttlSeconds int64) error {
	if jti == "" || ttlSeconds <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, b.key(jti), "1", time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("failed to blacklist jti: %w", err)
	}
	b.logger.Debug().Str("jti", jti).Int64("ttl_seconds", ttlSeconds).Msg("Token id blacklisted")
	return nil
}

// IsRevoked checks membership. Errors surface to the caller so security
// paths can fail closed instead of trusting an unreachable blacklist.
func (b *RedisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := b.client.Exists(ctx, b.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("blacklist check failed: %w", err)
	}
	return n > 0, nil
}
