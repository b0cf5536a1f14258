package spend

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
	"github.com/stretchr/testify/require"
)

func TestSanityCheckPassesValidPsbt(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	change, err := d.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	input := testInputCoin(t, d, amount.FromSat(100_000), 1)

	pkt, err := CreateSpend([]InputCoin{input}, []Destination{testDestination(t, amount.FromSat(10_000))}, 1, change, 100)
	require.NoError(t, err)

	known := map[wire.OutPoint]amount.Amount{input.Outpoint: input.Amount}
	require.NoError(t, SanityCheck(pkt, known))
}

func TestSanityCheckRejectsOutputCountMismatch(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	change, err := d.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	input := testInputCoin(t, d, amount.FromSat(100_000), 1)

	pkt, err := CreateSpend([]InputCoin{input}, []Destination{testDestination(t, amount.FromSat(10_000))}, 1, change, 100)
	require.NoError(t, err)

	pkt.UnsignedTx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x00}})

	known := map[wire.OutPoint]amount.Amount{input.Outpoint: input.Amount}
	err = SanityCheck(pkt, known)
	require.Error(t, err)
	require.Equal(t, ErrSanityCheckFailure, err.(*Error).Code)
}

func TestSanityCheckRejectsMissingBip32Derivation(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	change, err := d.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	input := testInputCoin(t, d, amount.FromSat(100_000), 1)

	pkt, err := CreateSpend([]InputCoin{input}, []Destination{testDestination(t, amount.FromSat(10_000))}, 1, change, 100)
	require.NoError(t, err)
	pkt.Inputs[0].Bip32Derivation = nil

	known := map[wire.OutPoint]amount.Amount{input.Outpoint: input.Amount}
	err = SanityCheck(pkt, known)
	require.Error(t, err)
	require.Equal(t, ErrSanityCheckFailure, err.(*Error).Code)
}

func TestSanityCheckRejectsUnknownOutpoint(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	change, err := d.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	input := testInputCoin(t, d, amount.FromSat(100_000), 1)

	pkt, err := CreateSpend([]InputCoin{input}, []Destination{testDestination(t, amount.FromSat(10_000))}, 1, change, 100)
	require.NoError(t, err)

	err = SanityCheck(pkt, nil)
	require.Error(t, err)
	require.Equal(t, ErrSanityCheckFailure, err.(*Error).Code)
}

func TestSanityCheckRejectsZeroFeerate(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	change, err := d.Derive(descriptor.Change, 0)
	require.NoError(t, err)
	input := testInputCoin(t, d, amount.FromSat(100_000), 1)

	// No-change path: a single output. Inflate it back up to the full
	// input value so the transaction pays no fee at all.
	pkt, err := CreateSpend([]InputCoin{input}, []Destination{testDestination(t, amount.FromSat(95_000))}, 1, change, 100)
	require.NoError(t, err)
	require.Len(t, pkt.UnsignedTx.TxOut, 1)
	pkt.UnsignedTx.TxOut[0].Value = 100_000

	known := map[wire.OutPoint]amount.Amount{input.Outpoint: input.Amount}
	err = SanityCheck(pkt, known)
	require.Error(t, err)
	require.Equal(t, ErrSanityCheckFailure, err.(*Error).Code)
}
