package spend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/chain"
	"github.com/lianahq/lianad/descriptor"
)

// Finalize turns a PSBT carrying enough partial signatures into a
// broadcastable transaction. btcsuite's generic psbt.Finalize only knows
// standard script templates, not this wallet's hand-rolled two-branch
// witness script, so finalization is done directly here: for each input
// it picks whichever branch (owner or, after the timelock, heir) has a
// matching signature and builds that branch's witness stack by hand —
// the same way the teacher's signP2WPKH bypasses generic finalization
// for a script type btcsuite doesn't recognize either.
func Finalize(pkt *psbt.Packet, derived []*descriptor.Derived) (*wire.MsgTx, error) {
	if len(derived) != len(pkt.Inputs) {
		return nil, errSpendFinalization("derived key count does not match input count")
	}

	for i := range pkt.Inputs {
		sequence := pkt.UnsignedTx.TxIn[i].Sequence
		witness, err := finalizeInput(&pkt.Inputs[i], derived[i], sequence)
		if err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
			return nil, errSpendFinalization(err.Error())
		}
		for _, item := range witness {
			if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
				return nil, errSpendFinalization(err.Error())
			}
		}
		pkt.Inputs[i].FinalScriptWitness = buf.Bytes()
		pkt.Inputs[i].FinalScriptSig = nil
	}

	if !pkt.IsComplete() {
		return nil, errSpendFinalization("psbt is missing signatures after finalization")
	}

	return extractTx(pkt)
}

// csvEligible reports whether sequence leaves BIP68 relative-locktime
// semantics enabled for its input, which BIP112 requires before any
// OP_CHECKSEQUENCEVERIFY in that input's witness script can succeed.
func csvEligible(sequence uint32) bool {
	return sequence&sequenceLockTimeDisableFlag == 0
}

func finalizeInput(in *psbt.PInput, derived *descriptor.Derived, sequence uint32) (wire.TxWitness, error) {
	ownerKey := derived.OwnerPubKey.SerializeCompressed()
	heirKey := derived.HeirPubKey.SerializeCompressed()

	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, ownerKey) {
			return wire.TxWitness{sig.Signature, []byte{1}, derived.WitnessScript}, nil
		}
	}
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, heirKey) {
			if !csvEligible(sequence) {
				return nil, errSpendFinalization("heir signature present but input's relative locktime is disabled; coin is not yet mature for the heir path")
			}
			return wire.TxWitness{sig.Signature, nil, derived.WitnessScript}, nil
		}
	}
	return nil, errSpendFinalization("no signature from either the owner or heir key")
}

func extractTx(pkt *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, errSpendFinalization(fmt.Sprintf("extracting transaction: %s", err))
	}
	return tx, nil
}

// Broadcast finalizes pkt and submits it through backend, returning the
// finalized transaction that was broadcast.
func Broadcast(ctx context.Context, backend chain.Backend, pkt *psbt.Packet, derived []*descriptor.Derived) (*wire.MsgTx, error) {
	tx, err := Finalize(pkt, derived)
	if err != nil {
		return nil, err
	}
	if err := backend.BroadcastTx(ctx, tx); err != nil {
		return nil, errTxBroadcast(err.Error())
	}
	return tx, nil
}
