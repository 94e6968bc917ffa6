//go:build integration

package persistence_test

import (
	"context"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/persistence"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type RedisIdempotencySuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redis.Client
}

func TestRedisIdempotencySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIdempotencySuite))
}

func (s *RedisIdempotencySuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = container

	uri, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(uri)
	s.Require().NoError(err)

	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
}

func (s *RedisIdempotencySuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if err := testcontainers.TerminateContainer(s.container); err != nil {
		s.T().Logf("terminate redis container: %v", err)
	}
}

func (s *RedisIdempotencySuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisIdempotencySuite) TestMarkThenDetect() {
	checker := persistence.NewRedisIdempotencyChecker(s.client)

	dup, err := checker.IsDuplicate("ClaimFile", "k-1")
	s.Require().NoError(err)
	s.False(dup)

	s.Require().NoError(checker.MarkProcessed("ClaimFile", "k-1"))

	dup, err = checker.IsDuplicate("ClaimFile", "k-1")
	s.Require().NoError(err)
	s.True(dup)

	dup, err = checker.IsDuplicate("ClaimApprove", "k-1")
	s.Require().NoError(err)
	s.False(dup, "keys are scoped by command type")
}

func (s *RedisIdempotencySuite) TestKeysExpire() {
	checker := persistence.NewRedisIdempotencyChecker(s.client, persistence.WithRedisTTL(time.Second))
	s.Require().NoError(checker.MarkProcessed("PoolDeposit", "short-lived"))

	ttl, err := s.client.TTL(context.Background(), "cover:idem:PoolDeposit:short-lived").Result()
	s.Require().NoError(err)
	s.Positive(ttl)
}

// Two engines sharing one Redis store see each other's commands.
func (s *RedisIdempotencySuite) TestSharedAcrossEngines() {
	t := s.T()
	store := persistence.NewRedisIdempotencyChecker(s.client)

	first, err := core.NewCoverageEngine(core.Options{DBChecker: store, IdempotencyCapacity: 8})
	require.NoError(t, err)
	second, err := core.NewCoverageEngine(core.Options{DBChecker: store, IdempotencyCapacity: 8})
	require.NoError(t, err)

	deposit := func() *event.PoolDeposit {
		return &event.PoolDeposit{
			Meta:   event.Meta{Key: "dep-1", Source: "gateway", Seq: 0, Timestamp: time.Unix(0, 0).UTC()},
			Amount: 1_000_000,
		}
	}

	_, err = first.ProcessCommand(deposit())
	require.NoError(t, err)

	_, err = second.ProcessCommand(deposit())
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, core.KindDuplicate, ce.Kind)

	_, tier2 := second.IdempotencyMetrics().GetDuplicates("PoolDeposit")
	require.Equal(t, int64(1), tier2)
	require.Zero(t, second.Pool().Free)
}
