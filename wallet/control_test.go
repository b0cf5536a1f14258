package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/store"
	"github.com/lianahq/lianad/wallet/spend"
	"github.com/lianahq/lianad/wallet/wallettest"
	"github.com/stretchr/testify/require"
)

func testControl(t *testing.T) (*Control, *wallettest.Harness, *wallettest.FakeBackend) {
	t.Helper()
	h, err := wallettest.New(&chaincfg.RegressionNetParams, 144)
	require.NoError(t, err)

	backend := wallettest.NewFakeBackend()
	backend.Tip = 200

	ctrl, err := New(Config{Store: h.Store, Backend: backend, Descriptor: h.Descriptor})
	require.NoError(t, err)

	return ctrl, h, backend
}

func TestGetNewAddressIncrementsReceiveIndex(t *testing.T) {
	t.Parallel()
	ctrl, _, _ := testControl(t)

	addr1, idx1, err := ctrl.GetNewAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx1)

	addr2, idx2, err := ctrl.GetNewAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx2)
	require.NotEqual(t, addr1, addr2)
}

func TestGetInfoReportsDescriptorAndSync(t *testing.T) {
	t.Parallel()
	ctrl, h, _ := testControl(t)

	info, err := ctrl.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, h.Descriptor.String(), info.Descriptor)
	require.Equal(t, Version, info.Version)
}

func TestUpdateSpendRejectsUnknownOutpoint(t *testing.T) {
	t.Parallel()
	ctrl, h, _ := testControl(t)

	change, err := h.Descriptor.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	destAddr, err := change.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	receive, err := h.Descriptor.Derive(descriptor.Receive, 0)
	require.NoError(t, err)

	// A brand-new, never-before-seen PSBT spending an outpoint the store
	// has no record of at all.
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 7}, nil, nil))
	script, err := txscript.PayToAddrScript(destAddr)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(10_000, script))

	pkt, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	pkt.Inputs[0].WitnessScript = receive.WitnessScript

	err = ctrl.UpdateSpend(pkt)
	require.Error(t, err)
	require.Equal(t, spend.ErrUnknownOutpoint, err.(*spend.Error).Code)
}

func TestCreateUpdateBroadcastSpendRoundTrip(t *testing.T) {
	t.Parallel()
	ctrl, h, backend := testControl(t)

	conn, err := h.Store.Connection()
	require.NoError(t, err)

	receive, err := h.Descriptor.Derive(descriptor.Receive, 0)
	require.NoError(t, err)
	change, err := h.Descriptor.Derive(descriptor.Change, 0)
	require.NoError(t, err)

	outpoint := wire.OutPoint{Index: 0}
	coinValue := amount.FromSat(100_000)
	require.NoError(t, conn.NewUnspentCoins([]store.Coin{{
		Outpoint:        outpoint,
		Amount:          coinValue,
		DerivationIndex: 0,
		Branch:          descriptor.Receive,
		ScriptPubKey:    receive.ScriptPubKey,
		Block:           &store.Block{Height: 100, Time: 1700000000},
	}}))
	require.NoError(t, conn.Close())

	destAddr, err := change.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	pkt, err := ctrl.CreateSpend(context.Background(), CreateSpendRequest{
		Outpoints:    []wire.OutPoint{outpoint},
		Destinations: []spend.Destination{{Address: destAddr, Amount: amount.FromSat(10_000)}},
		FeerateVb:    1,
	})
	require.NoError(t, err)
	require.Len(t, pkt.Inputs, 1)

	prevOuts := txscript.NewCannedPrevOutputFetcher(receive.ScriptPubKey, int64(coinValue.ToSat()))
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, prevOuts)
	sigHash, err := txscript.CalcWitnessSigHash(
		receive.WitnessScript, sigHashes, txscript.SigHashAll, pkt.UnsignedTx, 0, int64(coinValue.ToSat()))
	require.NoError(t, err)

	sig, err := h.SignOwner(descriptor.Receive, 0, sigHash)
	require.NoError(t, err)
	der := append(sig.Serialize(), byte(txscript.SigHashAll))

	pkt.Inputs[0].PartialSigs = append(pkt.Inputs[0].PartialSigs, &psbt.PartialSig{
		PubKey:    receive.OwnerPubKey.SerializeCompressed(),
		Signature: der,
	})

	require.NoError(t, ctrl.UpdateSpend(pkt))

	entries, err := ctrl.ListSpend()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	hash, err := ctrl.BroadcastSpend(context.Background(), pkt.UnsignedTx.TxHash())
	require.NoError(t, err)
	require.NotNil(t, hash)
	require.Len(t, backend.Broadcast, 1)

	coins, err := ctrl.ListCoins()
	require.NoError(t, err)
	require.Len(t, coins, 1)
	require.NotNil(t, coins[0].SpendTxid)
	require.Equal(t, *hash, *coins[0].SpendTxid)
}
