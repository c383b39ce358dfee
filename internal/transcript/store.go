// Package transcript keeps a live per-call transcript in redis for the
// admin API. The journal remains the durable record; this cache expires
// after a day.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	keyPrefix   = "call_transcript:"
	ttl         = 24 * time.Hour
	maxMessages = 250
)

// Message is one transcript line.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "agent"
	Text      string    `json:"text"`
	Seq       int64     `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the redis-backed live transcript. A nil store is a no-op.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer
}

// NewStore wraps the redis client. Returns nil when redis is not
// configured, which disables the live transcript.
func NewStore(redisClient *redis.Client) *Store {
	if redisClient == nil {
		return nil
	}
	return &Store{
		redis:  redisClient,
		tracer: otel.Tracer("rdv.internal.transcript"),
	}
}

func key(tenantID int64, callID string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, tenantID, callID)
}

// Append pushes one line onto the call's transcript and refreshes the
// TTL.
func (s *Store) Append(ctx context.Context, tenantID int64, callID string, msg Message) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if callID == "" {
		return errors.New("transcript: callID required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transcript: marshal message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "transcript.append")
	defer span.End()

	k := key(tenantID, callID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, k, data)
	pipe.Expire(ctx, k, ttl)
	pipe.LTrim(ctx, k, -maxMessages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("transcript: append failed: %w", err)
	}
	return nil
}

// List returns up to limit most recent lines, oldest first.
func (s *Store) List(ctx context.Context, tenantID int64, callID string, limit int64) ([]Message, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxMessages {
		limit = maxMessages
	}

	ctx, span := s.tracer.Start(ctx, "transcript.list")
	defer span.End()

	raw, err := s.redis.LRange(ctx, key(tenantID, callID), -limit, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("transcript: list failed: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Purge drops the transcript for a call.
func (s *Store) Purge(ctx context.Context, tenantID int64, callID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if err := s.redis.Del(ctx, key(tenantID, callID)).Err(); err != nil {
		return fmt.Errorf("transcript: purge failed: %w", err)
	}
	return nil
}
