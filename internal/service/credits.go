package service

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/cutline/render/internal/model"
)

// InsufficientCreditsError is returned when a charge exceeds the balance
type InsufficientCreditsError struct {
	Required int
	Balance  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d required, %d available", e.Required, e.Balance)
}

// CreditChecker charges a user for a render
type CreditChecker interface {
	Charge(ctx context.Context, userID string, amount int) error
}

// RenderCost prices a render by its length and quality tier
func RenderCost(seconds float64, quality model.Quality) int {
	multiplier := 1
	switch quality {
	case model.QualityWeb:
		multiplier = 2
	case model.QualityHigh:
		multiplier = 3
	case model.QualityStudio:
		multiplier = 5
	}
	cost := int(math.Ceil(seconds)) * multiplier
	if cost < 1 {
		cost = 1
	}
	return cost
}

// chargeScript seeds a missing balance, then debits only when it suffices.
// Returns {1, newBalance} on success and {0, balance} otherwise.
var chargeScript = redis.NewScript(`
local balance = redis.call("GET", KEYS[1])
if not balance then
  balance = tonumber(ARGV[2])
  redis.call("SET", KEYS[1], balance)
else
  balance = tonumber(balance)
end
local amount = tonumber(ARGV[1])
if balance < amount then
  return {0, balance}
end
return {1, redis.call("DECRBY", KEYS[1], amount)}
`)

// RedisCredits keeps balances under credits:<userId>
type RedisCredits struct {
	redis          *redis.Client
	defaultBalance int
}

func NewRedisCredits(redisClient *redis.Client, defaultBalance int) *RedisCredits {
	return &RedisCredits{redis: redisClient, defaultBalance: defaultBalance}
}

func (c *RedisCredits) Charge(ctx context.Context, userID string, amount int) error {
	res, err := chargeScript.Run(ctx, c.redis, []string{fmt.Sprintf("credits:%s", userID)}, amount, c.defaultBalance).Int64Slice()
	if err != nil {
		return fmt.Errorf("failed to charge credits: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected credit script reply %v", res)
	}
	if res[0] == 0 {
		return &InsufficientCreditsError{Required: amount, Balance: int(res[1])}
	}
	return nil
}
