package spend

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/stretchr/testify/require"
)

func clonePsbt(t *testing.T, pkt *psbt.Packet) *psbt.Packet {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Serialize(&buf))
	clone, err := psbt.NewFromRawBytes(&buf, false)
	require.NoError(t, err)
	return clone
}

func psbtPartialSig(pubKey, signature []byte) *psbt.PartialSig {
	return &psbt.PartialSig{PubKey: pubKey, Signature: signature}
}
