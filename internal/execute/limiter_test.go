package execute

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLimiterCapsConcurrency(t *testing.T) {
	l := NewLimiter(redisClient(t), 2, logging.New("error", "json"))
	ctx := context.Background()

	rel1, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	rel2, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "acme")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeSafetyRejected, appErr.Code)
	assert.Equal(t, GuardConcurrency, appErr.Details["guard"])

	// Other tenants have their own slots.
	relOther, err := l.Acquire(ctx, "globex")
	require.NoError(t, err)
	relOther()

	// Releasing frees a slot.
	rel1()
	rel3, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	rel3()
	rel2()
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(redisClient(t), 1, logging.New("error", "json"))
	ctx := context.Background()

	rel, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	rel()
	rel()

	rel2, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	rel2()
}

func TestLimiterLocalFallback(t *testing.T) {
	l := NewLimiter(nil, 1, logging.New("error", "json"))
	ctx := context.Background()

	rel, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "acme")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSafetyRejected, apperr.CodeOf(err))

	rel()
	rel2, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	rel2()
}
