package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
)

const REDIS_KEY_BALANCE = "crash:balance:"

// debitScript takes ARGV[1] from KEYS[1] or leaves it untouched.
var debitScript = redis.NewScript(`
local bal = redis.call('DECRBY', KEYS[1], ARGV[1])
if bal < 0 then
	redis.call('INCRBY', KEYS[1], ARGV[1])
	return redis.error_reply('INSUFFICIENT')
end
return bal
`)

// creditScript adds ARGV[i] to KEYS[i] for every i. If any increment fails
// the ones already applied are reverted, so the batch lands whole or not at
// all.
var creditScript = redis.NewScript(`
for i = 1, #KEYS do
	local ok = redis.pcall('INCRBY', KEYS[i], ARGV[i])
	if type(ok) == 'table' and ok.err then
		for j = 1, i - 1 do
			redis.call('DECRBY', KEYS[j], ARGV[j])
		end
		return redis.error_reply('OVERFLOW')
	end
end
return #KEYS
`)

// RedisWallet keeps balances as Redis integers, shared by every gateway
// instance. Amounts above MaxInt64 are rejected since Redis counters are
// signed 64-bit.
type RedisWallet struct {
	client *redis.Client
}

func NewRedisWallet(client *redis.Client) *RedisWallet {
	return &RedisWallet{client: client}
}

func balanceKey(account string, asset game.Asset) string {
	return REDIS_KEY_BALANCE + string(asset) + ":" + account
}

func amountArg(a fixedpoint.Amount) (string, error) {
	if a > math.MaxInt64 {
		return "", fmt.Errorf("%w: %d exceeds redis counter range", fixedpoint.ErrArithmeticOverflow, a)
	}
	return strconv.FormatUint(uint64(a), 10), nil
}

func (w *RedisWallet) Debit(ctx context.Context, account string, asset game.Asset, amount fixedpoint.Amount) error {
	arg, err := amountArg(amount)
	if err != nil {
		return err
	}
	err = debitScript.Run(ctx, w.client, []string{balanceKey(account, asset)}, arg).Err()
	if err != nil && strings.Contains(err.Error(), "INSUFFICIENT") {
		return fmt.Errorf("%w: %s %s", game.ErrInsufficientBalance, account, asset)
	}
	return err
}

func (w *RedisWallet) Credit(ctx context.Context, transfers []game.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(transfers))
	args := make([]any, 0, len(transfers))
	for _, t := range transfers {
		arg, err := amountArg(t.Amount)
		if err != nil {
			return err
		}
		keys = append(keys, balanceKey(t.Account, t.Asset))
		args = append(args, arg)
	}
	err := creditScript.Run(ctx, w.client, keys, args...).Err()
	if err != nil && strings.Contains(err.Error(), "OVERFLOW") {
		return fmt.Errorf("%w: credit batch", fixedpoint.ErrArithmeticOverflow)
	}
	return err
}

func (w *RedisWallet) Balance(ctx context.Context, account string, asset game.Asset) (fixedpoint.Amount, error) {
	v, err := w.client.Get(ctx, balanceKey(account, asset)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fixedpoint.Amount(v), nil
}

// Deposit funds an account outside of any game operation.
func (w *RedisWallet) Deposit(ctx context.Context, account string, asset game.Asset, amount fixedpoint.Amount) error {
	return w.Credit(ctx, []game.Transfer{{Account: account, Asset: asset, Amount: amount}})
}
