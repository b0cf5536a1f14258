package wire

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	wireproto "github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/stretchr/testify/require"
)

func TestSerDeserAmount(t *testing.T) {
	t.Parallel()
	a := amount.FromSat(123456)
	require.Equal(t, uint64(123456), SerAmount(a))
	require.Equal(t, a, DeserAmountFromSats(123456))
}

func TestSerDeserOptionalAmount(t *testing.T) {
	t.Parallel()
	require.Nil(t, SerOptionalAmount(nil))
	require.Nil(t, DeserOptionalAmountFromSats(nil))

	a := amount.FromSat(42)
	sats := SerOptionalAmount(&a)
	require.NotNil(t, sats)
	require.Equal(t, uint64(42), *sats)

	back := DeserOptionalAmountFromSats(sats)
	require.NotNil(t, back)
	require.Equal(t, a, *back)
}

func TestOutpointRoundTrip(t *testing.T) {
	t.Parallel()
	op := wireproto.OutPoint{Index: 3}
	op.Hash[0] = 0xab

	s := SerOutpoint(op)
	parsed, err := DeserOutpoint(s)
	require.NoError(t, err)
	require.Equal(t, op, parsed)
}

func TestDeserOutpointRejectsMalformed(t *testing.T) {
	t.Parallel()
	_, err := DeserOutpoint("not-an-outpoint")
	require.Error(t, err)
}

func TestPsbtBase64RoundTrip(t *testing.T) {
	t.Parallel()
	tx := wireproto.NewMsgTx(2)
	tx.AddTxIn(&wireproto.TxIn{PreviousOutPoint: wireproto.OutPoint{}})
	tx.AddTxOut(&wireproto.TxOut{Value: 1000, PkScript: []byte{0x00, 0x14}})

	pkt, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	encoded, err := SerBase64(pkt)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DeserPsbtBase64(encoded)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.UnsignedTx.TxHash())
}
