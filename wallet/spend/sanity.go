package spend

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
)

// SanityCheck re-validates a PSBT against the coin values the store
// believes fund it. wallet.Control runs it on each freshly built spend
// in CreateSpend.
func SanityCheck(pkt *psbt.Packet, knownInputValues map[wire.OutPoint]amount.Amount) error {
	tx := pkt.UnsignedTx
	if len(tx.TxIn) != len(pkt.Inputs) {
		return errSanityCheckFailure("input count mismatch between psbt and unsigned tx")
	}
	if len(tx.TxOut) != len(pkt.Outputs) {
		return errSanityCheckFailure("output count mismatch between psbt and unsigned tx")
	}

	var inputTotal amount.Amount
	for i, txIn := range tx.TxIn {
		known, ok := knownInputValues[txIn.PreviousOutPoint]
		if !ok {
			return errSanityCheckFailure("psbt spends an outpoint the store does not know about")
		}
		if pkt.Inputs[i].WitnessUtxo == nil {
			return errSanityCheckFailure("missing witness_utxo on an input")
		}
		if uint64(pkt.Inputs[i].WitnessUtxo.Value) != known.ToSat() {
			return errSanityCheckFailure("witness_utxo value does not match the stored coin")
		}
		if len(pkt.Inputs[i].Bip32Derivation) == 0 {
			return errSanityCheckFailure("missing bip32_derivation on an input")
		}
		sum, ok := inputTotal.Add(known)
		if !ok {
			return errSanityCheckFailure("input total overflows amount range")
		}
		inputTotal = sum
	}

	var outputTotal amount.Amount
	for _, txOut := range tx.TxOut {
		if txOut.Value < 0 {
			return errSanityCheckFailure("negative output value")
		}
		value := amount.FromSat(uint64(txOut.Value))
		if !amount.CheckOutputValue(value) {
			return errSanityCheckFailure("output value is dust or exceeds the money supply")
		}
		sum, ok := outputTotal.Add(value)
		if !ok {
			return errSanityCheckFailure("output total overflows amount range")
		}
		outputTotal = sum
	}

	fee, ok := inputTotal.Sub(outputTotal)
	if !ok {
		return errSanityCheckFailure("outputs exceed inputs")
	}
	if fee > amount.MaxFee {
		return errSanityCheckFailure("absolute fee exceeds the sanity ceiling")
	}

	vsize := amount.Vbytes(int64(tx.SerializeSizeStripped()) * int64(amount.WitnessFactor))
	if vsize < 1 {
		return errSanityCheckFailure("transaction vsize is zero")
	}
	feerate := fee.ToSat() / vsize
	if feerate < 1 || feerate > amount.MaxFeerate {
		return errSanityCheckFailure("absolute fee per vbyte is outside the sane range")
	}

	return nil
}
