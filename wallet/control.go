// Package wallet wires the descriptor, coin store and chain backend
// into the daemon's command surface: getinfo, getnewaddress, listcoins,
// createspend, updatespend, listspend, delspend, broadcastspend,
// startrescan, gethistory. Control owns the single write mutex every
// mutating Conn call goes through, the same role the teacher's
// WalletAnchor plays around its embedded wallet.
package wallet

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/chain"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/store"
	"github.com/lianahq/lianad/wallet/history"
	"github.com/lianahq/lianad/wallet/rescan"
	"github.com/lianahq/lianad/wallet/spend"
)

// Version is the daemon's reported version string, surfaced by getinfo.
const Version = "0.1.0"

// errUnknownOutpoint and errUnknownSpend mirror the spend package's own
// error shape (Code + formatted Message) for failures discovered here,
// at the store-lookup boundary, rather than inside package spend itself.
func errUnknownOutpoint(op wire.OutPoint) *spend.Error {
	return &spend.Error{Code: spend.ErrUnknownOutpoint, Message: fmt.Sprintf("wallet: unknown outpoint %s", op)}
}

func errUnknownSpend(txid chainhash.Hash) *spend.Error {
	return &spend.Error{Code: spend.ErrUnknownSpend, Message: fmt.Sprintf("wallet: unknown spend transaction %s", txid)}
}

// Config holds everything Control needs to construct.
type Config struct {
	Store      store.Store
	Backend    chain.Backend
	Descriptor *descriptor.Descriptor
}

// Control is the daemon's single entry point for every wallet command.
// It holds one write mutex around Conn use (spec.md's concurrency model:
// a Conn is not safe to share across goroutines, so every mutating
// operation takes this lock for its whole read-modify-write sequence).
type Control struct {
	cfg Config

	mu sync.Mutex
}

// New builds a Control. It does not start any background activity:
// neither chain sync nor rescan.Run is called from this package.
func New(cfg Config) (*Control, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("wallet: store is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("wallet: backend is required")
	}
	if cfg.Descriptor == nil {
		return nil, fmt.Errorf("wallet: descriptor is required")
	}
	return &Control{cfg: cfg}, nil
}

// Close releases the underlying store.
func (c *Control) Close() error {
	return c.cfg.Store.Close()
}

// Network returns the chain parameters the wallet's descriptor was
// built against, so callers parsing addresses for createspend validate
// against the right network.
func (c *Control) Network() *chaincfg.Params {
	return c.cfg.Descriptor.Network
}

// GetInfoResult is getinfo's return value.
type GetInfoResult struct {
	Version        string
	Network        string
	BlockHeight    int32
	Sync           float64
	Descriptor     string
	RescanProgress *rescan.Progress
}

// GetInfo reports the daemon's version, network, sync progress and
// descriptor.
func (c *Control) GetInfo(ctx context.Context) (*GetInfoResult, error) {
	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	network, err := conn.Network()
	if err != nil {
		return nil, err
	}
	descStr, err := conn.Descriptor()
	if err != nil {
		return nil, err
	}
	tip, err := conn.ChainTip()
	if err != nil {
		return nil, err
	}

	backendHeight, _, err := c.cfg.Backend.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	sync := 1.0
	if backendHeight > 0 {
		sync = float64(tip.Height) / float64(backendHeight)
		if sync > 1 {
			sync = 1
		}
		if sync < 0 {
			sync = 0
		}
	}

	progress, err := rescan.CurrentProgress(ctx, conn, c.cfg.Backend)
	if err != nil {
		return nil, err
	}

	return &GetInfoResult{
		Version:        Version,
		Network:        network.Name,
		BlockHeight:    tip.Height,
		Sync:           sync,
		Descriptor:     descStr,
		RescanProgress: progress,
	}, nil
}

// GetNewAddress derives and returns the next unused receive address,
// incrementing the store's receive index so the same address is never
// handed out twice.
func (c *Control) GetNewAddress(ctx context.Context) (string, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	index, err := conn.ReceiveIndex()
	if err != nil {
		return "", 0, err
	}

	derived, err := c.cfg.Descriptor.Derive(descriptor.Receive, index)
	if err != nil {
		return "", 0, err
	}
	addr, err := derived.Address(c.cfg.Descriptor.Network)
	if err != nil {
		return "", 0, err
	}

	if err := conn.IncrementReceiveIndex(); err != nil {
		return "", 0, err
	}

	return addr.EncodeAddress(), index, nil
}

// ListCoins returns every coin the store tracks.
func (c *Control) ListCoins() ([]store.Coin, error) {
	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Coins()
}

// CreateSpendRequest names the inputs and outputs of a spend to build.
type CreateSpendRequest struct {
	Outpoints    []wire.OutPoint
	Destinations []spend.Destination
	FeerateVb    uint64
}

// CreateSpend resolves the requested outpoints against the store,
// derives the descriptor material for each, and builds an unsigned PSBT
// an external signer can complete.
func (c *Control) CreateSpend(ctx context.Context, req CreateSpendRequest) (*psbt.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	coinsByOutpoint, err := conn.CoinsByOutpoints(req.Outpoints)
	if err != nil {
		return nil, err
	}

	inputs := make([]spend.InputCoin, 0, len(req.Outpoints))
	knownInputValues := make(map[wire.OutPoint]amount.Amount, len(req.Outpoints))
	for _, op := range req.Outpoints {
		coin, ok := coinsByOutpoint[op]
		if !ok {
			return nil, errUnknownOutpoint(op)
		}
		derived, err := c.cfg.Descriptor.Derive(coin.Branch, coin.DerivationIndex)
		if err != nil {
			return nil, err
		}
		var confirmHeight int32
		if coin.Block != nil {
			confirmHeight = coin.Block.Height
		}
		inputs = append(inputs, spend.InputCoin{
			Outpoint:      op,
			Amount:        coin.Amount,
			Derived:       derived,
			ConfirmHeight: confirmHeight,
		})
		knownInputValues[op] = coin.Amount
	}

	changeIndex, err := conn.ChangeIndex()
	if err != nil {
		return nil, err
	}
	changeDerived, err := c.cfg.Descriptor.Derive(descriptor.Change, changeIndex)
	if err != nil {
		return nil, err
	}

	tip, err := conn.ChainTip()
	if err != nil {
		return nil, err
	}

	pkt, err := spend.CreateSpend(inputs, req.Destinations, req.FeerateVb, changeDerived, tip.Height)
	if err != nil {
		return nil, err
	}

	if err := spend.SanityCheck(pkt, knownInputValues); err != nil {
		return nil, err
	}

	if usesChangeOutput(pkt, changeDerived) {
		if err := conn.IncrementChangeIndex(); err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

// usesChangeOutput reports whether pkt's transaction pays one of its
// outputs to changeDerived's script, meaning CreateSpend decided to add
// a change output rather than absorb the leftover into the fee. The
// change index must be bumped whenever this is true so the next
// createspend call does not reuse the same change address, even if the
// caller later drops this particular spend without broadcasting it.
func usesChangeOutput(pkt *psbt.Packet, changeDerived *descriptor.Derived) bool {
	for _, txOut := range pkt.UnsignedTx.TxOut {
		if bytes.Equal(txOut.PkScript, changeDerived.ScriptPubKey) {
			return true
		}
	}
	return false
}

// UpdateSpend merges partial signatures from psbt into the matching
// stored spend, creating the stored entry if this is the first time the
// transaction has been seen.
func (c *Control) UpdateSpend(pkt *psbt.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return err
	}
	defer conn.Close()

	txid := pkt.UnsignedTx.TxHash()
	existing, err := conn.SpendTx(txid)
	if err != nil {
		return err
	}

	merged := pkt
	if existing != nil {
		merged, err = spend.UpdateSpend(existing.Psbt, pkt)
		if err != nil {
			return err
		}
	} else {
		coinsByOutpoint, err := conn.CoinsByOutpoints(outpointsOf(pkt))
		if err != nil {
			return err
		}
		for _, op := range outpointsOf(pkt) {
			if _, ok := coinsByOutpoint[op]; !ok {
				return errUnknownOutpoint(op)
			}
		}
	}

	return conn.StoreSpend(store.SpendEntry{Psbt: merged, Updated: true})
}

// ListSpendEntry is one element of listspend's return value.
type ListSpendEntry struct {
	Psbt        *psbt.Packet
	ChangeIndex *store.DerivationInfo
}

// ListSpend returns every stored spend. BroadcastSpend does not remove
// a spend from the store, so broadcast spends are listed too until
// DelSpend removes them.
func (c *Control) ListSpend() ([]ListSpendEntry, error) {
	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entries, err := conn.ListSpend()
	if err != nil {
		return nil, err
	}

	out := make([]ListSpendEntry, 0, len(entries))
	for _, e := range entries {
		var changeIdx *store.DerivationInfo
		for _, txOut := range e.Psbt.UnsignedTx.TxOut {
			info, err := conn.DerivationIndexByAddress(txOut.PkScript)
			if err == nil && info != nil {
				changeIdx = info
				break
			}
		}
		out = append(out, ListSpendEntry{Psbt: e.Psbt, ChangeIndex: changeIdx})
	}
	return out, nil
}

// DelSpend removes a stored spend by txid.
func (c *Control) DelSpend(txid chainhash.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.DeleteSpend(txid)
}

// BroadcastSpend finalizes a stored spend and submits it through the
// chain backend, recording every input coin as spent.
func (c *Control) BroadcastSpend(ctx context.Context, txid chainhash.Hash) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := conn.SpendTx(txid)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errUnknownSpend(txid)
	}

	coinsByOutpoint, err := conn.CoinsByOutpoints(outpointsOf(entry.Psbt))
	if err != nil {
		return nil, err
	}
	derived := make([]*descriptor.Derived, 0, len(entry.Psbt.Inputs))
	for _, op := range outpointsOf(entry.Psbt) {
		coin, ok := coinsByOutpoint[op]
		if !ok {
			return nil, errUnknownOutpoint(op)
		}
		d, err := c.cfg.Descriptor.Derive(coin.Branch, coin.DerivationIndex)
		if err != nil {
			return nil, err
		}
		derived = append(derived, d)
	}

	tx, err := spend.Broadcast(ctx, c.cfg.Backend, entry.Psbt, derived)
	if err != nil {
		return nil, err
	}

	hash := tx.TxHash()
	var spends []store.CoinSpend
	for _, op := range outpointsOf(entry.Psbt) {
		spends = append(spends, store.CoinSpend{Outpoint: op, SpendTxid: hash})
	}
	if err := conn.SpendCoins(spends); err != nil {
		return nil, err
	}

	return &hash, nil
}

// StartRescan validates timestamp and begins a wallet-wide rescan.
func (c *Control) StartRescan(ctx context.Context, timestamp uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return err
	}
	defer conn.Close()

	return rescan.Start(ctx, conn, c.cfg.Backend, timestamp)
}

// GetHistory returns events with timestamp in (start, end], newest
// first, up to limit entries.
func (c *Control) GetHistory(ctx context.Context, start, end uint32, limit int) ([]history.Event, error) {
	conn, err := c.cfg.Store.Connection()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	coins, err := conn.Coins()
	if err != nil {
		return nil, err
	}

	txOutputTotal := make(map[chainhash.Hash]amount.Amount)
	for _, coin := range coins {
		if coin.SpendTxid == nil {
			continue
		}
		if _, ok := txOutputTotal[*coin.SpendTxid]; ok {
			continue
		}
		walletTx, err := c.cfg.Backend.WalletTransaction(ctx, *coin.SpendTxid)
		if err != nil {
			continue
		}
		var total amount.Amount
		for _, out := range walletTx.Tx.TxOut {
			sum, ok := total.Add(amount.FromSat(uint64(out.Value)))
			if !ok {
				break
			}
			total = sum
		}
		txOutputTotal[*coin.SpendTxid] = total
	}

	return history.Get(coins, txOutputTotal, start, end, limit), nil
}

func outpointsOf(pkt *psbt.Packet) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(pkt.UnsignedTx.TxIn))
	for i, in := range pkt.UnsignedTx.TxIn {
		ops[i] = in.PreviousOutPoint
	}
	return ops
}
