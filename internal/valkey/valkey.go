// Package valkey connects the process to the Valkey instance backing the message bus.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect dials the Valkey (or Redis) instance named by rawURL and verifies it with a ping. go-redis only accepts
// the redis:// scheme, so a valkey:// URL is normalized before parsing. dialTimeout bounds how long establishing
// each new connection may take.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse bus URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	// Name the connection so bus consumers are identifiable in CLIENT LIST on a shared instance.
	opts.ClientName = "catalogd"

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping message bus: %w", err)
	}

	return client, nil
}
