// Package chain defines the contract the wallet uses to observe the
// blockchain and broadcast transactions. It deliberately knows nothing
// about how that view is obtained — the mempool.space REST client in
// chain/mempool is the only implementation today, but a trusted full
// node backend could satisfy the same interface.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxOutput is one output of a transaction the wallet is interested in,
// annotated with the scriptPubKey so the caller can recognize which coin
// it affects.
type TxOutput struct {
	PkScript []byte
	Value    int64
}

// WalletTx is the subset of a transaction's shape the wallet aggregator
// and PSBT builder need: prevouts (to compute fees) and outputs.
type WalletTx struct {
	Tx          *wire.MsgTx
	BlockHeight int32 // 0 if unconfirmed
	BlockTime   uint32
}

// Backend is the contract the wallet core uses to read chain state and
// publish transactions. Every method takes a context so long-running
// lookups (ReceivedCoins, BlockBeforeDate) can be cancelled.
type Backend interface {
	// GenesisBlockTime returns the header time of the genesis block,
	// the earliest a rescan can sensibly target.
	GenesisBlockTime(ctx context.Context) (uint32, error)

	// ChainTip returns the current best block height and hash.
	ChainTip(ctx context.Context) (int32, chainhash.Hash, error)

	// BlockTime returns the header time of the block at height.
	BlockTime(ctx context.Context, height int32) (uint32, error)

	// BlockBeforeDate returns the height of the last block mined at or
	// before the given unix timestamp, used to translate a rescan
	// timestamp into a starting height.
	BlockBeforeDate(ctx context.Context, timestamp uint32) (int32, error)

	// IsInChain reports whether hash is part of the chain backend's
	// current best chain at height, used to detect reorgs.
	IsInChain(ctx context.Context, height int32, hash chainhash.Hash) (bool, error)

	// ReceivedCoins returns, for each watched scriptPubKey, the outputs
	// paying it observed in blocks [fromHeight, tipHeight].
	ReceivedCoins(ctx context.Context, scriptPubKeys [][]byte, fromHeight int32) (map[string][]ReceivedCoin, error)

	// SpentCoins reports, for each outpoint, the txid that spends it (if
	// any) and the height it was spent at (0 if unconfirmed).
	SpentCoins(ctx context.Context, outpoints []wire.OutPoint) (map[wire.OutPoint]SpendInfo, error)

	// WalletTransaction fetches a transaction by txid along with its
	// confirmation state.
	WalletTransaction(ctx context.Context, txid chainhash.Hash) (*WalletTx, error)

	// BroadcastTx submits a fully-signed transaction to the network.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error

	// EstimateFeerate returns the estimated feerate, in sat/vbyte, to
	// confirm within confTarget blocks.
	EstimateFeerate(ctx context.Context, confTarget uint32) (float64, error)
}

// ReceivedCoin is a single output paying one of the wallet's watched
// scripts.
type ReceivedCoin struct {
	Outpoint    wire.OutPoint
	Value       int64
	BlockHeight int32 // 0 if unconfirmed
	BlockTime   uint32
}

// SpendInfo describes the transaction spending a coin.
type SpendInfo struct {
	Txid        chainhash.Hash
	BlockHeight int32 // 0 if unconfirmed
	BlockTime   uint32
}
