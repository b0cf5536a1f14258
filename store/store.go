// Package store defines the wallet's persistence contract and provides
// two implementations: an in-memory store for tests, and a sqlite-backed
// store for the daemon. Callers never hold a Conn longer than a single
// logical operation; Store.Connection is expected to be cheap enough to
// call per-request, matching the short-lived-connection style the
// in-process sqlite teacher code uses.
package store

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Store opens connections to the wallet's persisted state. A Store is
// safe for concurrent use; a Conn obtained from it is not meant to be
// shared across goroutines.
type Store interface {
	Connection() (Conn, error)
	Close() error
}

// Conn is a single logical session against the store. Multi-step
// mutating sequences are expected to be serialized by the caller
// (wallet.Control holds one write mutex around them); individual calls
// are serialized by the implementation (the in-memory Conn locks its
// store's mutex, the sqlite Conn shares a single-connection pool).
type Conn interface {
	Network() (*chaincfg.Params, error)
	Descriptor() (string, error)
	WalletTimestamp() (uint32, error)

	ChainTip() (*Tip, error)
	UpdateTip(tip Tip) error
	RollbackTip(newTip Tip) error

	ReceiveIndex() (uint32, error)
	ChangeIndex() (uint32, error)
	IncrementReceiveIndex() error
	IncrementChangeIndex() error
	DerivationIndexByAddress(scriptPubKey []byte) (*DerivationInfo, error)

	RescanTimestamp() (*uint32, error)
	SetRescan(timestamp uint32) error
	CompleteRescan() error

	Coins() ([]Coin, error)
	CoinsByOutpoints(outpoints []wire.OutPoint) (map[wire.OutPoint]Coin, error)
	ListSpendingCoins() ([]Coin, error)
	NewUnspentCoins(coins []Coin) error
	ConfirmCoins(updates []CoinConfirmation) error
	SpendCoins(updates []CoinSpend) error
	ConfirmSpend(updates []SpendConfirmation) error
	ListUpdatedCoins() (*Updates, error)

	SpendTx(txid chainhash.Hash) (*SpendEntry, error)
	StoreSpend(entry SpendEntry) error
	ListSpend() ([]SpendEntry, error)
	DeleteSpend(txid chainhash.Hash) error

	Close() error
}
