package store

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
)

// Block identifies a confirmed block by height and median/header time.
type Block struct {
	Height int32
	Time   uint32
}

// Tip is the chain tip the wallet last synced to.
type Tip struct {
	Height int32
	Hash   chainhash.Hash
}

// Coin is a single UTXO controlled by the wallet's descriptor, tracked
// from the moment it is first seen (possibly unconfirmed) through
// confirmation, spend, and spend-confirmation.
type Coin struct {
	Outpoint        wire.OutPoint
	Amount          amount.Amount
	DerivationIndex uint32
	Branch          descriptor.Branch
	ScriptPubKey    []byte

	// Block is nil until the coin's funding transaction confirms.
	Block *Block

	// SpendTxid is set once a spend transaction has been broadcast
	// spending this coin, even before that transaction confirms.
	SpendTxid *chainhash.Hash

	// SpendBlock is nil until the spend transaction confirms.
	SpendBlock *Block
}

// IsConfirmed reports whether the coin's funding transaction has a
// confirming block.
func (c Coin) IsConfirmed() bool {
	return c.Block != nil
}

// IsSpent reports whether a spend transaction has been recorded for this
// coin, confirmed or not.
func (c Coin) IsSpent() bool {
	return c.SpendTxid != nil
}

// IsSpentConfirmed reports whether the coin's spend has confirmed.
func (c Coin) IsSpentConfirmed() bool {
	return c.SpendBlock != nil
}

// DerivationInfo identifies which (branch, index) child address an
// outpoint or scriptPubKey belongs to.
type DerivationInfo struct {
	Branch descriptor.Branch
	Index  uint32
}

// CoinConfirmation records a coin's funding transaction confirming.
type CoinConfirmation struct {
	Outpoint wire.OutPoint
	Block    Block
}

// CoinSpend records a coin being spent by a (not yet necessarily
// confirmed) transaction.
type CoinSpend struct {
	Outpoint  wire.OutPoint
	SpendTxid chainhash.Hash
}

// SpendConfirmation records a previously-broadcast spend transaction
// confirming.
type SpendConfirmation struct {
	SpendTxid chainhash.Hash
	Block     Block
}

// SpendEntry is a stored, possibly-incomplete spend transaction awaiting
// additional signatures or broadcast.
type SpendEntry struct {
	Psbt    *psbt.Packet
	Updated bool
}

// Updates is the result of a store poll: coins that are new (never seen
// before this call) versus coins whose confirmation/spend state changed.
type Updates struct {
	New     []Coin
	Updated []Coin
}
