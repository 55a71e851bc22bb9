// Package journal records every engine decision to an append-only sink.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNilDecision is returned when Record is called without a decision.
var ErrNilDecision = errors.New("nil decision")

// Journal records decisions. Implementations must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, d *types.Decision) error
}

// Nop discards every decision.
type Nop struct{}

func (Nop) Record(context.Context, *types.Decision) error { return nil }

// Entry is one journaled decision as stored in the stream.
type Entry struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// RedisJournal appends decisions to a capped Redis stream.
type RedisJournal struct {
	client redis.UniversalClient
	logger *zap.Logger
	stream string
	maxLen int64
	retry  utils.RetryConfig
}

// NewRedisJournal wraps an existing client.
func NewRedisJournal(logger *zap.Logger, client redis.UniversalClient, cfg types.RedisConfig) *RedisJournal {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "regime"
	}
	retry := utils.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	retry.InitialDelay = 10 * time.Millisecond
	retry.MaxDelay = 200 * time.Millisecond

	return &RedisJournal{
		client: client,
		logger: logger,
		stream: prefix + ":decisions",
		maxLen: cfg.StreamMaxLen,
		retry:  retry,
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, logger *zap.Logger, cfg types.RedisConfig) (*RedisJournal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Decision journal connected", zap.String("addr", cfg.Addr))
	return NewRedisJournal(logger, client, cfg), nil
}

// Stream returns the stream key decisions are written to.
func (j *RedisJournal) Stream() string { return j.stream }

// Record appends a decision, retrying transient failures with backoff.
func (j *RedisJournal) Record(ctx context.Context, d *types.Decision) error {
	if d == nil {
		return ErrNilDecision
	}
	args := &redis.XAddArgs{
		Stream: j.stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: Fields(d),
	}

	id, err := utils.Retry(ctx, j.retry, func() (string, error) {
		return j.client.XAdd(ctx, args).Result()
	})
	if err != nil {
		return fmt.Errorf("journal decision %s: %w", d.ID, err)
	}
	j.logger.Debug("Decision journaled",
		zap.String("decision_id", d.ID),
		zap.String("entry_id", id))
	return nil
}

// Recent returns up to count decisions, newest first.
func (j *RedisJournal) Recent(ctx context.Context, count int64) ([]Entry, error) {
	msgs, err := j.client.XRevRangeN(ctx, j.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out, nil
}

// Close releases the underlying client.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

// Fields flattens a decision into ordered stream field/value pairs. Prices are
// written as exact decimal strings.
func Fields(d *types.Decision) []interface{} {
	values := []interface{}{
		"id", d.ID,
		"instrument", d.InstrumentID,
		"as_of", d.AsOf.UTC().Format(time.RFC3339Nano),
		"status", string(d.Status),
		"regime", string(d.Regime.Regime),
		"confidence", strconv.FormatFloat(d.Regime.Confidence, 'f', -1, 64),
		"strategy", string(d.StrategyID),
		"layer", string(d.LayerReached),
	}
	if len(d.RejectionReasons) > 0 {
		values = append(values, "reasons", strings.Join(d.RejectionReasons, "; "))
	}
	if d.FailureReason != "" {
		values = append(values, "failure", d.FailureReason)
	}
	if len(d.Degradations) > 0 {
		values = append(values, "degradations", strings.Join(d.Degradations, "; "))
	}
	if p := d.Proposal; p != nil {
		values = append(values,
			"direction", string(p.Direction),
			"entry", price(p.EntryPrice),
			"stop", price(p.StopPrice),
			"target", price(p.TargetPrice),
			"score", strconv.FormatFloat(p.ConfluenceScore, 'f', 2, 64),
		)
		if p.SecondaryTarget != nil {
			values = append(values, "secondary_target", price(*p.SecondaryTarget))
		}
	}
	return values
}

func price(v float64) string {
	return decimal.NewFromFloat(v).String()
}
