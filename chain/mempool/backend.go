package mempool

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/chain"
)

// Backend implements chain.Backend against a mempool.space-compatible
// REST API, grounded on the teacher's ChainBridge: a thin client plus a
// header cache, restyled around scriptPubKey/outpoint lookups instead of
// asset proof verification.
type Backend struct {
	client  *Client
	network *chaincfg.Params
	headers *headerCache
}

// NewBackend builds a Backend for network using cfg to reach a
// mempool.space-compatible API.
func NewBackend(cfg Config, network *chaincfg.Params) *Backend {
	return &Backend{
		client:  NewClient(cfg),
		network: network,
		headers: newHeaderCache(30 * time.Minute),
	}
}

var _ chain.Backend = (*Backend)(nil)

func (b *Backend) headerAtHeight(ctx context.Context, height int32) (*blockHeader, error) {
	hash, err := b.client.blockHashAtHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	if cached, ok := b.headers.get(hash); ok {
		return &cached, nil
	}
	hdr, err := b.client.blockHeader(ctx, hash)
	if err != nil {
		return nil, err
	}
	b.headers.set(hash, *hdr)
	return hdr, nil
}

func (b *Backend) GenesisBlockTime(ctx context.Context) (uint32, error) {
	hdr, err := b.headerAtHeight(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("mempool: fetching genesis block: %w", err)
	}
	return hdr.Timestamp, nil
}

func (b *Backend) ChainTip(ctx context.Context) (int32, chainhash.Hash, error) {
	height, err := b.client.tipHeight(ctx)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("mempool: fetching tip height: %w", err)
	}
	hashStr, err := b.client.blockHashAtHeight(ctx, height)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("mempool: fetching tip hash: %w", err)
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return 0, chainhash.Hash{}, fmt.Errorf("mempool: parsing tip hash: %w", err)
	}
	return height, *hash, nil
}

func (b *Backend) BlockTime(ctx context.Context, height int32) (uint32, error) {
	hdr, err := b.headerAtHeight(ctx, height)
	if err != nil {
		return 0, fmt.Errorf("mempool: fetching block %d: %w", height, err)
	}
	return hdr.Timestamp, nil
}

// BlockBeforeDate binary searches block heights for the last block mined
// at or before timestamp.
func (b *Backend) BlockBeforeDate(ctx context.Context, timestamp uint32) (int32, error) {
	tip, _, err := b.ChainTip(ctx)
	if err != nil {
		return 0, err
	}

	lo, hi := int32(0), tip
	best := int32(0)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		t, err := b.BlockTime(ctx, mid)
		if err != nil {
			return 0, err
		}
		if t <= timestamp {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, nil
}

func (b *Backend) IsInChain(ctx context.Context, height int32, hash chainhash.Hash) (bool, error) {
	hashStr, err := b.client.blockHashAtHeight(ctx, height)
	if err != nil {
		return false, fmt.Errorf("mempool: fetching hash at %d: %w", height, err)
	}
	return hashStr == hash.String(), nil
}

func (b *Backend) scriptToAddress(script []byte) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, b.network)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("mempool: unexpected address count %d for script", len(addrs))
	}
	return addrs[0].EncodeAddress(), nil
}

func (b *Backend) ReceivedCoins(ctx context.Context, scriptPubKeys [][]byte, fromHeight int32) (map[string][]chain.ReceivedCoin, error) {
	out := make(map[string][]chain.ReceivedCoin, len(scriptPubKeys))
	for _, script := range scriptPubKeys {
		addr, err := b.scriptToAddress(script)
		if err != nil {
			return nil, err
		}
		txs, err := b.client.addressTxs(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("mempool: fetching txs for %s: %w", addr, err)
		}

		scriptHex := hex.EncodeToString(script)
		var coins []chain.ReceivedCoin
		for _, tx := range txs {
			if tx.Status.Confirmed && tx.Status.BlockHeight < fromHeight {
				continue
			}
			txid, err := chainhash.NewHashFromStr(tx.Txid)
			if err != nil {
				return nil, fmt.Errorf("mempool: parsing txid %s: %w", tx.Txid, err)
			}
			for i, vout := range tx.Vout {
				if vout.ScriptPubKey != scriptHex {
					continue
				}
				coins = append(coins, chain.ReceivedCoin{
					Outpoint:    wire.OutPoint{Hash: *txid, Index: uint32(i)},
					Value:       vout.Value,
					BlockHeight: tx.Status.BlockHeight,
					BlockTime:   tx.Status.BlockTime,
				})
			}
		}
		if len(coins) > 0 {
			out[scriptHex] = coins
		}
	}
	return out, nil
}

func (b *Backend) SpentCoins(ctx context.Context, outpoints []wire.OutPoint) (map[wire.OutPoint]chain.SpendInfo, error) {
	out := make(map[wire.OutPoint]chain.SpendInfo, len(outpoints))
	for _, op := range outpoints {
		o, err := b.client.outspend(ctx, op.Hash.String(), op.Index)
		if err != nil {
			return nil, fmt.Errorf("mempool: fetching outspend for %s: %w", op, err)
		}
		if !o.Spent {
			continue
		}
		txid, err := chainhash.NewHashFromStr(o.Txid)
		if err != nil {
			return nil, fmt.Errorf("mempool: parsing spend txid: %w", err)
		}
		out[op] = chain.SpendInfo{
			Txid:        *txid,
			BlockHeight: o.Status.BlockHeight,
			BlockTime:   o.Status.BlockTime,
		}
	}
	return out, nil
}

func (b *Backend) WalletTransaction(ctx context.Context, txid chainhash.Hash) (*chain.WalletTx, error) {
	txHex, err := b.client.txHex(ctx, txid.String())
	if err != nil {
		return nil, fmt.Errorf("mempool: fetching tx hex for %s: %w", txid, err)
	}
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("mempool: decoding tx hex: %w", err)
	}
	msgTx := wire.NewMsgTx(0)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("mempool: deserializing tx: %w", err)
	}

	t, err := b.client.tx(ctx, txid.String())
	if err != nil {
		return nil, fmt.Errorf("mempool: fetching tx status for %s: %w", txid, err)
	}

	return &chain.WalletTx{
		Tx:          msgTx,
		BlockHeight: t.Status.BlockHeight,
		BlockTime:   t.Status.BlockTime,
	}, nil
}

func (b *Backend) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("mempool: serializing tx: %w", err)
	}
	if err := b.client.postTxHex(ctx, hex.EncodeToString(buf.Bytes())); err != nil {
		return fmt.Errorf("mempool: broadcasting tx %s: %w", tx.TxHash(), err)
	}
	return nil
}

// EstimateFeerate maps a confirmation target in blocks onto the fee
// tiers mempool.space publishes, the same bucketing the teacher's
// ChainBridge.EstimateFee uses.
func (b *Backend) EstimateFeerate(ctx context.Context, confTarget uint32) (float64, error) {
	est, err := b.client.feeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("mempool: fetching fee estimates: %w", err)
	}

	var key string
	switch {
	case confTarget <= 1:
		key = "fastestFee"
	case confTarget <= 3:
		key = "halfHourFee"
	case confTarget <= 6:
		key = "hourFee"
	default:
		key = "economyFee"
	}

	rate, ok := est[key]
	if !ok {
		return 0, fmt.Errorf("mempool: missing fee estimate %q", key)
	}
	return rate, nil
}
