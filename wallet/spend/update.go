package spend

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// UpdateSpend merges the partial signatures present in update into
// stored, keyed by input index and by pubkey; other PSBT fields of update
// are not merged. It never touches the unsigned transaction itself and
// returns an error if the two PSBTs differ in txid or input count.
func UpdateSpend(stored, update *psbt.Packet) (*psbt.Packet, error) {
	if stored.UnsignedTx.TxHash() != update.UnsignedTx.TxHash() {
		return nil, errSanityCheckFailure("update psbt does not match the stored transaction")
	}
	if len(stored.Inputs) != len(update.Inputs) {
		return nil, errSanityCheckFailure("update psbt has a different number of inputs")
	}

	for i := range stored.Inputs {
		merged := mergePartialSigs(stored.Inputs[i].PartialSigs, update.Inputs[i].PartialSigs)
		stored.Inputs[i].PartialSigs = merged
	}

	return stored, nil
}

func mergePartialSigs(existing, incoming []*psbt.PartialSig) []*psbt.PartialSig {
	byPubKey := make(map[string]*psbt.PartialSig, len(existing)+len(incoming))
	for _, sig := range existing {
		byPubKey[string(sig.PubKey)] = sig
	}
	for _, sig := range incoming {
		byPubKey[string(sig.PubKey)] = sig
	}

	merged := make([]*psbt.PartialSig, 0, len(byPubKey))
	for _, sig := range byPubKey {
		merged = append(merged, sig)
	}
	return merged
}
