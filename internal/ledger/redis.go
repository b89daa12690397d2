package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink пишет каждый поток в Redis Stream. XADD атомарен на запись,
// а ID записи задает порядок внутри потока.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

// NewRedisSink: maxLen > 0 включает приблизительное ограничение длины потока (retention)
// для всех потоков, кроме decision_ledger.
func NewRedisSink(rdb *redis.Client, prefix string, maxLen int64) *RedisSink {
	return &RedisSink{rdb: rdb, prefix: prefix, maxLen: maxLen}
}

func (s *RedisSink) key(stream string) (string, error) {
	if !ValidStream(stream) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
	return s.prefix + stream, nil
}

func (s *RedisSink) WriteBatch(ctx context.Context, stream string, facts [][]byte) error {
	key, err := s.key(stream)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	for _, f := range facts {
		args := &redis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{"fact": string(f)},
		}
		// Decision Record не удаляются физически, retention на журнал решений не действует
		if s.maxLen > 0 && stream != StreamDecisions {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: redis xadd %s: %w", key, err)
	}
	return nil
}

const redisScanPage = 500

func (s *RedisSink) Scan(ctx context.Context, stream string, fn func([]byte) error) error {
	key, err := s.key(stream)
	if err != nil {
		return err
	}

	start := "-"
	for {
		msgs, err := s.rdb.XRangeN(ctx, key, start, "+", redisScanPage).Result()
		if err != nil {
			return fmt.Errorf("ledger: redis xrange %s: %w", key, err)
		}
		for _, m := range msgs {
			raw, ok := m.Values["fact"].(string)
			if !ok {
				continue
			}
			if err := fn([]byte(raw)); err != nil {
				return err
			}
		}
		if len(msgs) < redisScanPage {
			return nil
		}
		// Исключающая граница: следующая страница начинается после последнего ID
		start = "(" + msgs[len(msgs)-1].ID
	}
}
