package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownHandle    = errors.New("unknown or spent handle")
	ErrVaultShortfall   = errors.New("vault cannot cover take")
	ErrRecipientBlocked = errors.New("recipient cannot receive")
)

// Handle is value in transit: taken from the vault or freshly minted, not
// yet given, stored or burned.
type Handle struct {
	ID     uuid.UUID
	Denom  string
	Amount int64
}

// AssetCustody moves real value. The engine only keeps bookkeeping and asks
// custody to mirror it.
type AssetCustody interface {
	// Take withdraws amount of denom from the vault.
	Take(amount int64, denom string) (Handle, error)
	// Give delivers a handle to a recipient.
	Give(h Handle, recipient uuid.UUID) error
	// Mint creates new value of denom (incoming deposits and premiums).
	Mint(denom string, amount int64) (Handle, error)
	// Burn destroys a handle's value (value leaving the system).
	Burn(h Handle) error
	// Store puts a handle into the vault.
	Store(h Handle) error
}

// MemoryCustody is an in-process AssetCustody with one vault per denomination.
type MemoryCustody struct {
	mu       sync.Mutex
	vault    map[string]int64
	balances map[uuid.UUID]map[string]int64
	handles  map[uuid.UUID]Handle
	blocked  map[uuid.UUID]bool
}

func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{
		vault:    make(map[string]int64),
		balances: make(map[uuid.UUID]map[string]int64),
		handles:  make(map[uuid.UUID]Handle),
		blocked:  make(map[uuid.UUID]bool),
	}
}

func (c *MemoryCustody) Take(amount int64, denom string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if amount <= 0 {
		return Handle{}, fmt.Errorf("take %d %s: amount must be positive", amount, denom)
	}
	if c.vault[denom] < amount {
		return Handle{}, fmt.Errorf("take %d %s (vault %d): %w", amount, denom, c.vault[denom], ErrVaultShortfall)
	}
	c.vault[denom] -= amount
	return c.newHandle(denom, amount), nil
}

func (c *MemoryCustody) Give(h Handle, recipient uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[h.ID]; !ok {
		return ErrUnknownHandle
	}
	if c.blocked[recipient] {
		return fmt.Errorf("give to %s: %w", recipient, ErrRecipientBlocked)
	}
	delete(c.handles, h.ID)
	if c.balances[recipient] == nil {
		c.balances[recipient] = make(map[string]int64)
	}
	c.balances[recipient][h.Denom] += h.Amount
	return nil
}

func (c *MemoryCustody) Mint(denom string, amount int64) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if amount <= 0 {
		return Handle{}, fmt.Errorf("mint %d %s: amount must be positive", amount, denom)
	}
	return c.newHandle(denom, amount), nil
}

func (c *MemoryCustody) Burn(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[h.ID]; !ok {
		return ErrUnknownHandle
	}
	delete(c.handles, h.ID)
	return nil
}

func (c *MemoryCustody) Store(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[h.ID]; !ok {
		return ErrUnknownHandle
	}
	delete(c.handles, h.ID)
	c.vault[h.Denom] += h.Amount
	return nil
}

func (c *MemoryCustody) newHandle(denom string, amount int64) Handle {
	h := Handle{ID: uuid.New(), Denom: denom, Amount: amount}
	c.handles[h.ID] = h
	return h
}

// Seed sets the vault reserve directly. Used after recovery, when replayed
// commands do not touch custody.
func (c *MemoryCustody) Seed(denom string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vault[denom] = amount
}

// Reserve returns the vault reserve for denom.
func (c *MemoryCustody) Reserve(denom string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vault[denom]
}

// BalanceOf returns what a recipient has received in denom.
func (c *MemoryCustody) BalanceOf(recipient uuid.UUID, denom string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[recipient][denom]
}

// Outstanding returns the number of handles not yet given, stored or burned.
func (c *MemoryCustody) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Block makes Give to recipient fail (exercises the payout rollback path).
func (c *MemoryCustody) Block(recipient uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[recipient] = true
}
