package health

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// DBChecker pings the Postgres pool.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return Status{Healthy: true, Detail: "pool saturated"}
		}
		return Status{Healthy: true}
	}
}

// RedisChecker sends PING to the email queue's Redis.
func RedisChecker(client *redis.Client) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// BreakerChecker reports unhealthy while the circuit returned by state is
// open. The server stays live with the gateway down, so this only feeds
// readiness.
func BreakerChecker(state func() string) Checker {
	return func(_ context.Context) Status {
		st := state()
		return Status{Healthy: st != "open", Detail: st}
	}
}
