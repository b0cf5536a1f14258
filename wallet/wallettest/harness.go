// Package wallettest provides an in-memory wallet harness for tests
// across the daemon: a descriptor backed by real extended private keys
// (so tests can produce valid signatures), an in-memory store, and a
// scriptable fake chain backend. Grounded on the original testutils.rs
// DummyMinisafe/DummyBitcoind/DummyDatabase trio, and on the teacher's
// keyring package for deriving per-branch signing keys — except here
// the private keys exist only for this test harness; the real daemon
// (see wallet.Control) never holds one.
package wallettest

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/chain"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/store"
)

// Fixed, non-secret seeds: this package only ever builds test wallets.
var (
	ownerSeed = []byte("lianad-wallettest-owner-seed-0000000000")
	heirSeed  = []byte("lianad-wallettest-heir-seed-00000000000")
)

// Harness bundles a fully keyed test wallet: a Descriptor whose owner
// and heir keys this harness can sign for, an in-memory Store, and a
// Network.
type Harness struct {
	Descriptor *descriptor.Descriptor
	Store      *store.MemoryStore
	Network    *chaincfg.Params

	ownerXprv *hdkeychain.ExtendedKey
	heirXprv  *hdkeychain.ExtendedKey
}

// New builds a Harness for network with csvDelay relative blocks between
// the owner and heir spending paths.
func New(network *chaincfg.Params, csvDelay uint16) (*Harness, error) {
	ownerXprv, err := hdkeychain.NewMaster(ownerSeed, network)
	if err != nil {
		return nil, err
	}
	heirXprv, err := hdkeychain.NewMaster(heirSeed, network)
	if err != nil {
		return nil, err
	}

	ownerXpub, err := ownerXprv.Neuter()
	if err != nil {
		return nil, err
	}
	heirXpub, err := heirXprv.Neuter()
	if err != nil {
		return nil, err
	}

	desc, err := descriptor.New(
		descriptor.ExtendedKey{XPub: ownerXpub},
		descriptor.ExtendedKey{XPub: heirXpub},
		csvDelay,
		network,
	)
	if err != nil {
		return nil, err
	}

	return &Harness{
		Descriptor: desc,
		Store:      store.NewMemoryStore(network, desc.String(), 1700000000),
		Network:    network,
		ownerXprv:  ownerXprv,
		heirXprv:   heirXprv,
	}, nil
}

// SignOwner produces an ECDSA signature over sighash using the owner
// key's (branch, index) child.
func (h *Harness) SignOwner(branch descriptor.Branch, index uint32, sighash []byte) (*ecdsa.Signature, error) {
	return signWith(h.ownerXprv, branch, index, sighash)
}

// SignHeir produces an ECDSA signature over sighash using the heir
// key's (branch, index) child.
func (h *Harness) SignHeir(branch descriptor.Branch, index uint32, sighash []byte) (*ecdsa.Signature, error) {
	return signWith(h.heirXprv, branch, index, sighash)
}

func signWith(xprv *hdkeychain.ExtendedKey, branch descriptor.Branch, index uint32, sighash []byte) (*ecdsa.Signature, error) {
	branchKey, err := xprv.Derive(uint32(branch))
	if err != nil {
		return nil, err
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	priv, err := childKey.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(priv, sighash), nil
}

// FakeBackend is a fully in-memory, scriptable chain.Backend: every
// method reads from fields the test sets directly instead of making
// network calls, grounded on DummyBitcoind's role in the original test
// suite. Keys into Received are hex-encoded scriptPubKeys, matching the
// string keys chain.Backend.ReceivedCoins returns.
type FakeBackend struct {
	Genesis     uint32
	Tip         int32
	TipHash     chainhash.Hash
	BlockTimes  map[int32]uint32
	Received    map[string][]chain.ReceivedCoin
	Spent       map[wire.OutPoint]chain.SpendInfo
	Txs         map[chainhash.Hash]*chain.WalletTx
	Broadcast   []*wire.MsgTx
	FeeEstimate float64
}

// NewFakeBackend builds an empty, zero-value-safe FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		BlockTimes: make(map[int32]uint32),
		Received:   make(map[string][]chain.ReceivedCoin),
		Spent:      make(map[wire.OutPoint]chain.SpendInfo),
		Txs:        make(map[chainhash.Hash]*chain.WalletTx),
	}
}

var _ chain.Backend = (*FakeBackend)(nil)

func (f *FakeBackend) GenesisBlockTime(ctx context.Context) (uint32, error) { return f.Genesis, nil }

func (f *FakeBackend) ChainTip(ctx context.Context) (int32, chainhash.Hash, error) {
	return f.Tip, f.TipHash, nil
}

func (f *FakeBackend) BlockTime(ctx context.Context, height int32) (uint32, error) {
	return f.BlockTimes[height], nil
}

func (f *FakeBackend) BlockBeforeDate(ctx context.Context, timestamp uint32) (int32, error) {
	var best int32
	for h, t := range f.BlockTimes {
		if t <= timestamp && h > best {
			best = h
		}
	}
	return best, nil
}

func (f *FakeBackend) IsInChain(ctx context.Context, height int32, hash chainhash.Hash) (bool, error) {
	return height == f.Tip && hash == f.TipHash, nil
}

func (f *FakeBackend) ReceivedCoins(ctx context.Context, scriptPubKeys [][]byte, fromHeight int32) (map[string][]chain.ReceivedCoin, error) {
	out := make(map[string][]chain.ReceivedCoin)
	for _, spk := range scriptPubKeys {
		key := fmt.Sprintf("%x", spk)
		coins, ok := f.Received[key]
		if !ok {
			continue
		}
		var filtered []chain.ReceivedCoin
		for _, c := range coins {
			if c.BlockHeight == 0 || c.BlockHeight >= fromHeight {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			out[key] = filtered
		}
	}
	return out, nil
}

// AddReceived registers a received coin for scriptPubKey spk, keyed the
// same way ReceivedCoins looks it up.
func (f *FakeBackend) AddReceived(spk []byte, coin chain.ReceivedCoin) {
	key := fmt.Sprintf("%x", spk)
	f.Received[key] = append(f.Received[key], coin)
}

func (f *FakeBackend) SpentCoins(ctx context.Context, outpoints []wire.OutPoint) (map[wire.OutPoint]chain.SpendInfo, error) {
	out := make(map[wire.OutPoint]chain.SpendInfo)
	for _, op := range outpoints {
		if info, ok := f.Spent[op]; ok {
			out[op] = info
		}
	}
	return out, nil
}

func (f *FakeBackend) WalletTransaction(ctx context.Context, txid chainhash.Hash) (*chain.WalletTx, error) {
	tx, ok := f.Txs[txid]
	if !ok {
		return nil, fmt.Errorf("wallettest: unknown transaction %s", txid)
	}
	return tx, nil
}

func (f *FakeBackend) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	f.Broadcast = append(f.Broadcast, tx)
	f.Txs[tx.TxHash()] = &chain.WalletTx{Tx: tx}
	return nil
}

func (f *FakeBackend) EstimateFeerate(ctx context.Context, confTarget uint32) (float64, error) {
	if f.FeeEstimate == 0 {
		return 1, nil
	}
	return f.FeeEstimate, nil
}
