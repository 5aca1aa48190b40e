package game

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"crashpool/internal/fixedpoint"
)

// accScale is the fixed-point scale of AccRewardPerShare.
var accScale = decimal.New(1, 18)

// PoolAccumulator is the pool-wide reward-per-share state.
type PoolAccumulator struct {
	TotalStaked fixedpoint.Amount `json:"total_staked"`
	// AccRewardPerShare is cumulative fee per staked unit, scaled by 1e18.
	AccRewardPerShare decimal.Decimal   `json:"acc_reward_per_share"`
	TotalFeesAccrued  fixedpoint.Amount `json:"total_fees_accrued"`
	TotalFeesClaimed  fixedpoint.Amount `json:"total_fees_claimed"`
	// Undistributed holds fees accrued while nothing was staked.
	Undistributed fixedpoint.Amount `json:"undistributed"`
}

type StakePosition struct {
	Staker       string            `json:"staker"`
	Key          string            `json:"key"`
	StakedAmount fixedpoint.Amount `json:"staked_amount"`
	// RewardDebt is the reward already priced in, staked * acc, still scaled
	// by 1e18 so no fraction of it is lost between interactions.
	RewardDebt     decimal.Decimal   `json:"reward_debt"`
	Claimable      fixedpoint.Amount `json:"claimable"`
	ClaimedRewards fixedpoint.Amount `json:"claimed_rewards"`
}

// StakeView is a position plus its reward not yet moved to Claimable.
type StakeView struct {
	StakePosition
	Pending fixedpoint.Amount `json:"pending"`
	// Owed is Claimable + Pending, what a claim would pay now.
	Owed fixedpoint.Amount `json:"owed"`
}

// RewardAccumulator distributes accrued fees to stakers pro rata over time.
type RewardAccumulator struct {
	pool      PoolAccumulator
	positions map[string]*StakePosition
}

func NewRewardAccumulator() *RewardAccumulator {
	return &RewardAccumulator{
		pool:      PoolAccumulator{AccRewardPerShare: decimal.Zero},
		positions: make(map[string]*StakePosition),
	}
}

func toAmount(d decimal.Decimal) (fixedpoint.Amount, error) {
	b := d.BigInt()
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, fmt.Errorf("%w: reward %s", ErrArithmeticOverflow, d)
	}
	return fixedpoint.Amount(b.Uint64()), nil
}

func amountDec(a fixedpoint.Amount) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), 0)
}

// accrued is staked * acc, unscaled.
func (a *RewardAccumulator) accrued(staked fixedpoint.Amount) decimal.Decimal {
	return amountDec(staked).Mul(a.pool.AccRewardPerShare)
}

// pending is floor((staked * acc - RewardDebt) / 1e18). The fraction left
// over is dust that stays in the pool.
func (a *RewardAccumulator) pending(p *StakePosition) (fixedpoint.Amount, error) {
	owed := a.accrued(p.StakedAmount).Sub(p.RewardDebt)
	if !owed.IsPositive() {
		return 0, nil
	}
	q, _ := owed.QuoRem(accScale, 0)
	return toAmount(q)
}

// AccrueFee adds a round's fee to the pool.
func (a *RewardAccumulator) AccrueFee(amount fixedpoint.Amount) error {
	if amount == 0 {
		return nil
	}
	total, err := fixedpoint.Add(a.pool.TotalFeesAccrued, amount)
	if err != nil {
		return err
	}
	if a.pool.TotalStaked == 0 {
		undistributed, err := fixedpoint.Add(a.pool.Undistributed, amount)
		if err != nil {
			return err
		}
		a.pool.Undistributed = undistributed
		a.pool.TotalFeesAccrued = total
		return nil
	}
	inc, _ := amountDec(amount).Mul(accScale).QuoRem(amountDec(a.pool.TotalStaked), 0)
	a.pool.AccRewardPerShare = a.pool.AccRewardPerShare.Add(inc)
	a.pool.TotalFeesAccrued = total
	return nil
}

// settle moves p's pending reward into Claimable.
func (a *RewardAccumulator) settle(p *StakePosition) error {
	owed, err := a.pending(p)
	if err != nil {
		return err
	}
	claimable, err := fixedpoint.Add(p.Claimable, owed)
	if err != nil {
		return err
	}
	p.Claimable = claimable
	return nil
}

// position returns a copy of the staker's position, or a fresh one.
func (a *RewardAccumulator) position(staker string) StakePosition {
	if p, ok := a.positions[staker]; ok {
		return *p
	}
	return StakePosition{Staker: staker, Key: StakeKey(staker), RewardDebt: decimal.Zero}
}

func (a *RewardAccumulator) Stake(staker string, amount fixedpoint.Amount) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	total, err := fixedpoint.Add(a.pool.TotalStaked, amount)
	if err != nil {
		return err
	}
	next := a.position(staker)
	staked, err := fixedpoint.Add(next.StakedAmount, amount)
	if err != nil {
		return err
	}
	if err := a.settle(&next); err != nil {
		return err
	}
	if a.pool.TotalStaked == 0 && a.pool.Undistributed > 0 {
		if next.Claimable, err = fixedpoint.Add(next.Claimable, a.pool.Undistributed); err != nil {
			return err
		}
		a.pool.Undistributed = 0
	}
	next.StakedAmount = staked
	next.RewardDebt = a.accrued(staked)
	a.positions[staker] = &next
	a.pool.TotalStaked = total
	return nil
}

func (a *RewardAccumulator) Unstake(staker string, amount fixedpoint.Amount) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	p, ok := a.positions[staker]
	if !ok || amount > p.StakedAmount {
		var have fixedpoint.Amount
		if ok {
			have = p.StakedAmount
		}
		return fmt.Errorf("%w: %s has %d staked, asked for %d", ErrInsufficientStake, staker, have, amount)
	}
	next := *p
	if err := a.settle(&next); err != nil {
		return err
	}
	next.StakedAmount -= amount
	next.RewardDebt = a.accrued(next.StakedAmount)
	*p = next
	a.pool.TotalStaked -= amount
	a.prune(staker)
	return nil
}

// Claim settles and pays out everything owed. Nothing owed pays zero.
func (a *RewardAccumulator) Claim(staker string) (fixedpoint.Amount, error) {
	p, ok := a.positions[staker]
	if !ok {
		return 0, nil
	}
	next := *p
	if err := a.settle(&next); err != nil {
		return 0, err
	}
	paid := next.Claimable
	claimed, err := fixedpoint.Add(next.ClaimedRewards, paid)
	if err != nil {
		return 0, err
	}
	poolClaimed, err := fixedpoint.Add(a.pool.TotalFeesClaimed, paid)
	if err != nil {
		return 0, err
	}
	next.Claimable = 0
	next.ClaimedRewards = claimed
	next.RewardDebt = a.accrued(next.StakedAmount)
	*p = next
	a.pool.TotalFeesClaimed = poolClaimed
	a.prune(staker)
	return paid, nil
}

func (a *RewardAccumulator) prune(staker string) {
	if p, ok := a.positions[staker]; ok && p.StakedAmount == 0 && p.Claimable == 0 {
		delete(a.positions, staker)
	}
}

// Pending returns the staker's view, with zeros for an unknown staker.
func (a *RewardAccumulator) Pending(staker string) (StakeView, error) {
	p, ok := a.positions[staker]
	if !ok {
		return StakeView{StakePosition: StakePosition{Staker: staker, Key: StakeKey(staker), RewardDebt: decimal.Zero}}, nil
	}
	owed, err := a.pending(p)
	if err != nil {
		return StakeView{}, err
	}
	total, err := fixedpoint.Add(p.Claimable, owed)
	if err != nil {
		return StakeView{}, err
	}
	return StakeView{StakePosition: *p, Pending: owed, Owed: total}, nil
}

func (a *RewardAccumulator) Pool() PoolAccumulator {
	return a.pool
}

// CheckSolvency verifies that unclaimed rewards are backed by accrued fees.
func (a *RewardAccumulator) CheckSolvency() error {
	unclaimed := decimal.Zero
	for _, p := range a.positions {
		owed, err := a.pending(p)
		if err != nil {
			return err
		}
		unclaimed = unclaimed.Add(amountDec(owed)).Add(amountDec(p.Claimable))
	}
	backing := amountDec(a.pool.TotalFeesAccrued).
		Sub(amountDec(a.pool.TotalFeesClaimed)).
		Sub(amountDec(a.pool.Undistributed))
	if unclaimed.GreaterThan(backing) {
		return fmt.Errorf("%w: unclaimed %s exceeds backing %s", ErrSettlementImbalance, unclaimed, backing)
	}
	return nil
}

type accumulatorCheckpoint struct {
	pool     PoolAccumulator
	staker   string
	position *StakePosition
}

// checkpoint captures the pool and one position so a failed wallet call
// can be rolled back.
func (a *RewardAccumulator) checkpoint(staker string) accumulatorCheckpoint {
	cp := accumulatorCheckpoint{pool: a.pool, staker: staker}
	if p, ok := a.positions[staker]; ok {
		saved := *p
		cp.position = &saved
	}
	return cp
}

func (a *RewardAccumulator) restore(cp accumulatorCheckpoint) {
	a.pool = cp.pool
	if cp.staker == "" {
		return
	}
	if cp.position == nil {
		delete(a.positions, cp.staker)
		return
	}
	saved := *cp.position
	a.positions[cp.staker] = &saved
}
