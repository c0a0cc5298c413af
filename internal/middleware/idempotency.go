package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/logger"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	replayTTL         = 24 * time.Hour
	claimTTL          = 30 * time.Second
)

// storedResponse is what a replay sends back.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// recordingWriter copies the response body while it is written.
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// replayStore keeps responses under "idempotency:<path>:<key>" and a short
// claim under the same key with an ":inflight" suffix.
type replayStore struct {
	client redis.Cmdable
}

func (s replayStore) load(ctx context.Context, key string) (*storedResponse, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s replayStore) save(ctx context.Context, key string, resp storedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, replayTTL).Err()
}

// claim reports false while another request with the same key is running.
func (s replayStore) claim(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, key+":inflight", "1", claimTTL).Result()
}

func (s replayStore) release(ctx context.Context, key string) {
	s.client.Del(ctx, key+":inflight")
}

// IdempotencyMiddleware replays the stored response of a POST that carries an
// already seen Idempotency-Key. Keys are scoped to the request path, so the
// same key sent to accept and to complete are different requests. A retry
// that arrives while the first request is still running gets 409.
//
// With a nil client the middleware is a no-op. Redis errors never fail a request.
func IdempotencyMiddleware(client redis.Cmdable, log logger.Logger) gin.HandlerFunc {
	store := replayStore{client: client}

	return func(c *gin.Context) {
		idemKey := c.GetHeader(idempotencyHeader)
		if client == nil || idemKey == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := "idempotency:" + c.Request.URL.Path + ":" + idemKey

		stored, err := store.load(ctx, key)
		if err != nil {
			log.Warn("idempotency lookup failed", "key", idemKey, "error", err)
			c.Next()
			return
		}
		if stored != nil {
			c.Header(replayedHeader, "true")
			contentType := stored.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			c.Data(stored.Status, contentType, stored.Body)
			c.Abort()
			return
		}

		claimed, err := store.claim(ctx, key)
		switch {
		case err != nil:
			log.Warn("idempotency claim failed", "key", idemKey, "error", err)
		case !claimed:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
			return
		default:
			defer store.release(context.WithoutCancel(ctx), key)
		}

		w := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 5xx answers are not final; the client may retry them.
		status := w.Status()
		if status < 200 || status >= 500 {
			return
		}
		resp := storedResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if err := store.save(context.WithoutCancel(ctx), key, resp); err != nil {
			log.Warn("failed to store idempotent response", "key", idemKey, "error", err)
		}
	}
}
