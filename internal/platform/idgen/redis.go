package idgen

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Counter is the subset of the redis client the sequence generator needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// SequenceGenerator issues "<prefix><n><check>" identifiers from a Redis
// counter, where n = start + INCR(key) and check is the Luhn digit of n.
// Each identifier type has its own counter.
type SequenceGenerator struct {
	client Counter
	key    string
	prefix string
	start  int64
}

func NewSequenceGenerator(client Counter, key, prefix string, start int64) *SequenceGenerator {
	return &SequenceGenerator{
		client: client,
		key:    key,
		prefix: prefix,
		start:  start,
	}
}

func (g *SequenceGenerator) Next(ctx context.Context, typeHint string) (string, error) {
	seq, err := g.client.Incr(ctx, g.counterKey(typeHint)).Result()
	if err != nil {
		return "", fmt.Errorf("increment identifier sequence: %w", err)
	}

	digits := strconv.FormatInt(g.start+seq, 10)
	check, err := LuhnCheckDigit(digits)
	if err != nil {
		return "", err
	}
	return g.prefix + digits + strconv.Itoa(check), nil
}

func (g *SequenceGenerator) counterKey(typeHint string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(typeHint), "-"))
	if slug == "" {
		return g.key
	}
	return g.key + ":" + slug
}
