package game

import (
	"context"
	"fmt"
	"sync"

	"crashpool/internal/fixedpoint"
)

type Asset string

const (
	AssetChips Asset = "chips"
	AssetLP    Asset = "lp"
)

type Transfer struct {
	Account string
	Asset   Asset
	Amount  fixedpoint.Amount
}

// Wallet is the custody ledger the core settles against. Debit reserves
// funds for escrow; Credit applies a batch atomically, all or nothing.
type Wallet interface {
	Debit(ctx context.Context, account string, asset Asset, amount fixedpoint.Amount) error
	Credit(ctx context.Context, transfers []Transfer) error
	Balance(ctx context.Context, account string, asset Asset) (fixedpoint.Amount, error)
}

type balanceKey struct {
	account string
	asset   Asset
}

// MemoryWallet keeps balances in process. It backs tests and single-node
// development runs.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[balanceKey]fixedpoint.Amount
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{balances: make(map[balanceKey]fixedpoint.Amount)}
}

// Deposit funds an account outside of any game operation.
func (w *MemoryWallet) Deposit(account string, asset Asset, amount fixedpoint.Amount) error {
	return w.Credit(context.Background(), []Transfer{{Account: account, Asset: asset, Amount: amount}})
}

func (w *MemoryWallet) Debit(_ context.Context, account string, asset Asset, amount fixedpoint.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := balanceKey{account, asset}
	next, err := fixedpoint.Sub(w.balances[k], amount)
	if err != nil {
		return fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientBalance, account, w.balances[k], asset, amount)
	}
	w.balances[k] = next
	return nil
}

func (w *MemoryWallet) Credit(_ context.Context, transfers []Transfer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[balanceKey]fixedpoint.Amount, len(transfers))
	for _, t := range transfers {
		k := balanceKey{t.Account, t.Asset}
		cur, ok := next[k]
		if !ok {
			cur = w.balances[k]
		}
		sum, err := fixedpoint.Add(cur, t.Amount)
		if err != nil {
			return err
		}
		next[k] = sum
	}
	for k, v := range next {
		w.balances[k] = v
	}
	return nil
}

func (w *MemoryWallet) Balance(_ context.Context, account string, asset Asset) (fixedpoint.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[balanceKey{account, asset}], nil
}
