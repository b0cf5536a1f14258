package store

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MemoryStore is an in-memory Store, grounded on the Rust original's
// DummyDatabase test double: a single connection backed by a mutex, used
// by wallettest and by unit tests that don't want a real sqlite file.
type MemoryStore struct {
	mu sync.Mutex

	network    *chaincfg.Params
	descriptor string
	timestamp  uint32

	tip Tip

	receiveIndex uint32
	changeIndex  uint32

	rescanSince *uint32

	coins map[wire.OutPoint]Coin
	spend map[chainhash.Hash]SpendEntry

	newSinceUpdate     map[wire.OutPoint]bool
	updatedSinceUpdate map[wire.OutPoint]bool
}

// NewMemoryStore builds an empty MemoryStore for the given descriptor and
// network, with wallet birth timestamp ts.
func NewMemoryStore(network *chaincfg.Params, desc string, ts uint32) *MemoryStore {
	return &MemoryStore{
		network:            network,
		descriptor:         desc,
		timestamp:          ts,
		coins:              make(map[wire.OutPoint]Coin),
		spend:              make(map[chainhash.Hash]SpendEntry),
		newSinceUpdate:     make(map[wire.OutPoint]bool),
		updatedSinceUpdate: make(map[wire.OutPoint]bool),
	}
}

// Connection returns a handle to the same backing store; MemoryStore
// serializes all connections through its own mutex so every call is
// already safe for concurrent use.
func (s *MemoryStore) Connection() (Conn, error) {
	return &memoryConn{s: s}, nil
}

// Close is a no-op: there is no underlying resource to release.
func (s *MemoryStore) Close() error { return nil }

type memoryConn struct{ s *MemoryStore }

func (c *memoryConn) Network() (*chaincfg.Params, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.network, nil
}

func (c *memoryConn) Descriptor() (string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.descriptor, nil
}

func (c *memoryConn) WalletTimestamp() (uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.timestamp, nil
}

func (c *memoryConn) ChainTip() (*Tip, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	tip := c.s.tip
	return &tip, nil
}

func (c *memoryConn) UpdateTip(tip Tip) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.tip = tip
	return nil
}

func (c *memoryConn) RollbackTip(newTip Tip) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.tip = newTip
	for op, coin := range c.s.coins {
		if coin.Block != nil && coin.Block.Height > newTip.Height {
			coin.Block = nil
			c.s.coins[op] = coin
		}
		if coin.SpendBlock != nil && coin.SpendBlock.Height > newTip.Height {
			coin.SpendBlock = nil
			c.s.coins[op] = coin
		}
	}
	return nil
}

func (c *memoryConn) ReceiveIndex() (uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.receiveIndex, nil
}

func (c *memoryConn) ChangeIndex() (uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.changeIndex, nil
}

func (c *memoryConn) IncrementReceiveIndex() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.receiveIndex++
	return nil
}

func (c *memoryConn) IncrementChangeIndex() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.changeIndex++
	return nil
}

// DerivationIndexByAddress always reports not-found: MemoryStore does not
// track a standalone address index, only the coins it has been told
// about directly. Tests that need change-index recognition use the
// sqlite store.
func (c *memoryConn) DerivationIndexByAddress(scriptPubKey []byte) (*DerivationInfo, error) {
	return nil, fmt.Errorf("store: address not found")
}

func (c *memoryConn) RescanTimestamp() (*uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.rescanSince, nil
}

func (c *memoryConn) SetRescan(timestamp uint32) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.rescanSince != nil {
		return fmt.Errorf("store: rescan already in progress")
	}
	ts := timestamp
	c.s.rescanSince = &ts
	return nil
}

func (c *memoryConn) CompleteRescan() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.rescanSince = nil
	return nil
}

func (c *memoryConn) Coins() ([]Coin, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]Coin, 0, len(c.s.coins))
	for _, coin := range c.s.coins {
		out = append(out, coin)
	}
	return out, nil
}

func (c *memoryConn) CoinsByOutpoints(outpoints []wire.OutPoint) (map[wire.OutPoint]Coin, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make(map[wire.OutPoint]Coin, len(outpoints))
	for _, op := range outpoints {
		if coin, ok := c.s.coins[op]; ok {
			out[op] = coin
		}
	}
	return out, nil
}

func (c *memoryConn) ListSpendingCoins() ([]Coin, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []Coin
	for _, coin := range c.s.coins {
		if coin.IsSpent() && !coin.IsSpentConfirmed() {
			out = append(out, coin)
		}
	}
	return out, nil
}

func (c *memoryConn) NewUnspentCoins(coins []Coin) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, coin := range coins {
		if _, exists := c.s.coins[coin.Outpoint]; exists {
			continue
		}
		c.s.coins[coin.Outpoint] = coin
		c.s.newSinceUpdate[coin.Outpoint] = true
	}
	return nil
}

func (c *memoryConn) ConfirmCoins(updates []CoinConfirmation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, u := range updates {
		coin, ok := c.s.coins[u.Outpoint]
		if !ok {
			return fmt.Errorf("store: confirm unknown coin %s", u.Outpoint)
		}
		block := u.Block
		coin.Block = &block
		c.s.coins[u.Outpoint] = coin
		c.s.updatedSinceUpdate[u.Outpoint] = true
	}
	return nil
}

func (c *memoryConn) SpendCoins(updates []CoinSpend) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, u := range updates {
		coin, ok := c.s.coins[u.Outpoint]
		if !ok {
			return fmt.Errorf("store: spend unknown coin %s", u.Outpoint)
		}
		txid := u.SpendTxid
		coin.SpendTxid = &txid
		c.s.coins[u.Outpoint] = coin
		c.s.updatedSinceUpdate[u.Outpoint] = true
	}
	return nil
}

func (c *memoryConn) ConfirmSpend(updates []SpendConfirmation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, u := range updates {
		for op, coin := range c.s.coins {
			if coin.SpendTxid != nil && *coin.SpendTxid == u.SpendTxid {
				block := u.Block
				coin.SpendBlock = &block
				c.s.coins[op] = coin
				c.s.updatedSinceUpdate[op] = true
			}
		}
	}
	return nil
}

func (c *memoryConn) ListUpdatedCoins() (*Updates, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	out := &Updates{}
	for op := range c.s.newSinceUpdate {
		out.New = append(out.New, c.s.coins[op])
	}
	for op := range c.s.updatedSinceUpdate {
		if c.s.newSinceUpdate[op] {
			continue
		}
		out.Updated = append(out.Updated, c.s.coins[op])
	}
	c.s.newSinceUpdate = make(map[wire.OutPoint]bool)
	c.s.updatedSinceUpdate = make(map[wire.OutPoint]bool)
	return out, nil
}

func (c *memoryConn) SpendTx(txid chainhash.Hash) (*SpendEntry, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	entry, ok := c.s.spend[txid]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (c *memoryConn) StoreSpend(entry SpendEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	txid := entry.Psbt.UnsignedTx.TxHash()
	c.s.spend[txid] = entry
	return nil
}

func (c *memoryConn) ListSpend() ([]SpendEntry, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]SpendEntry, 0, len(c.s.spend))
	for _, entry := range c.s.spend {
		out = append(out, entry)
	}
	return out, nil
}

func (c *memoryConn) DeleteSpend(txid chainhash.Hash) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.spend, txid)
	return nil
}

func (c *memoryConn) Close() error { return nil }
