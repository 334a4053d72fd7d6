// Package verification resolves the verification records call requests
// refer to.
package verification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Record is the subset of a verification the queue cares about
type Record struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Lookup finds a verification by id. Missing records yield types.ErrNotFound.
type Lookup interface {
	GetVerification(ctx context.Context, id string) (Record, error)
}

// Static accepts every non-blank reference. Used in development and tests.
type Static struct{}

func (Static) GetVerification(_ context.Context, id string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, fmt.Errorf("verification %q: %w", id, types.ErrNotFound)
	}
	return Record{ID: id}, nil
}

// HTTPLookup queries the verification service and caches confirmed records.
// Misses are never cached so a record created a moment later is found.
type HTTPLookup struct {
	client *resty.Client
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewHTTPLookup creates a client for GET {baseURL}/verifications/{id}.
func NewHTTPLookup(baseURL string, ttl time.Duration, logger zerolog.Logger) *HTTPLookup {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &HTTPLookup{
		client: client,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.With().Str("component", "verification").Logger(),
	}
}

func (l *HTTPLookup) GetVerification(ctx context.Context, id string) (Record, error) {
	if cached, ok := l.cache.Get(id); ok {
		return cached.(Record), nil
	}

	var rec Record
	resp, err := l.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&rec).
		Get("/verifications/{id}")
	if err != nil {
		return Record{}, fmt.Errorf("failed to query verification service: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return Record{}, fmt.Errorf("verification %s: %w", id, types.ErrNotFound)
	case resp.IsError():
		return Record{}, fmt.Errorf("verification service returned %d", resp.StatusCode())
	}

	if rec.ID == "" {
		rec.ID = id
	}
	l.cache.Set(id, rec, cache.DefaultExpiration)
	l.logger.Debug().Str("verification_id", id).Msg("verification resolved")
	return rec, nil
}
