//go:build integration

// Run with:
//
//	go test -v -race -tags=integration ./pkg/clients/redis/...
package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/choregarden/choregarden-core/internal/testutil/containers"
	"github.com/choregarden/choregarden-core/pkg/clients/redis"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// RedisIntegrationSuite shares one container across tests; keys are
// namespaced per test.
type RedisIntegrationSuite struct {
	suite.Suite

	ctx         context.Context
	redisResult *containers.RedisResult
	client      *redis.Client
}

func (s *RedisIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartRedis(s.ctx)
	require.NoError(s.T(), err, "failed to start Redis container")
	s.redisResult = result

	client, err := redis.NewClient(s.ctx, redis.Config{URI: result.ConnString})
	require.NoError(s.T(), err, "failed to create Redis client")
	s.client = client
}

func (s *RedisIntegrationSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.redisResult != nil {
		_ = s.redisResult.Container.Terminate(s.ctx)
	}
}

func (s *RedisIntegrationSuite) TestHealth() {
	s.Require().NoError(s.client.Health(s.ctx))
}

func (s *RedisIntegrationSuite) TestSetGetDel() {
	key := "it:setgetdel"
	s.Require().NoError(s.client.Set(s.ctx, key, "value", time.Minute))

	got, err := s.client.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal("value", got)

	n, err := s.client.Del(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.client.Get(s.ctx, key)
	s.Equal(cgerr.CodeNotFound, cgerr.GetCode(err))
}

func (s *RedisIntegrationSuite) TestExpiry() {
	key := "it:expiry"
	s.Require().NoError(s.client.Set(s.ctx, key, "v", 500*time.Millisecond))
	s.Eventually(func() bool {
		_, err := s.client.Get(s.ctx, key)
		return cgerr.GetCode(err) == cgerr.CodeNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestRedisIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RedisIntegrationSuite))
}
