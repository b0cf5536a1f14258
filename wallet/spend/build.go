package spend

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
)

func payToAddrScript(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}

// InputCoin is one coin the caller has chosen to spend. The daemon never
// selects coins on its own; the
// caller names outpoints explicitly and the store resolves them to
// InputCoins before calling CreateSpend.
type InputCoin struct {
	Outpoint wire.OutPoint
	Amount   amount.Amount
	Derived  *descriptor.Derived

	// ConfirmHeight is the height the coin's funding transaction
	// confirmed at, or 0 if it is still unconfirmed. It decides whether
	// this input's nSequence enables the heir's relative-timelock path.
	ConfirmHeight int32
}

// Destination is one output CreateSpend will add to the transaction.
type Destination struct {
	Address btcutil.Address
	Amount  amount.Amount
}

const segwitMarkerFlagWeight = 2

// sequenceLockTimeDisableFlag is BIP68's bit 31: set, it opts an input
// out of relative-locktime semantics entirely, both at the consensus
// level (CheckSequenceLocks) and for any OP_CHECKSEQUENCEVERIFY in its
// own witness script (BIP112 fails the opcode outright whenever it is
// set, regardless of which branch of the script actually runs).
// Cleared, with the low bits holding a block count, it enables both.
const sequenceLockTimeDisableFlag = 1 << 31

// inputSequence picks the nSequence for spending in, given the chain
// tip height the caller is building against. BIP68/BIP112
// relative-locktime semantics apply to the whole input, not to whichever
// witness branch ends up being executed, so the two descriptor branches
// cannot both be left eligible unconditionally: until the coin is old
// enough to satisfy the heir's older(csvDelay) branch, the input must
// disable relative-locktime entirely, or the owner's supposedly-immediate
// branch would also be held to that delay. Once the coin has matured
// past the CSV delay, the owner path is still spendable (its age already
// clears the requirement) and the sequence additionally makes the heir
// path spendable.
func inputSequence(in InputCoin, tipHeight int32) uint32 {
	if !csvMatured(in, tipHeight) {
		return wire.MaxTxInSequenceNum - 1
	}
	return uint32(in.Derived.CSVDelay)
}

// csvMatured reports whether in's coin already has enough confirmations
// as of tipHeight to satisfy its descriptor's CSV delay.
func csvMatured(in InputCoin, tipHeight int32) bool {
	if in.ConfirmHeight <= 0 {
		return false
	}
	confirmations := tipHeight - in.ConfirmHeight + 1
	if confirmations < 0 {
		return false
	}
	return int64(confirmations) >= int64(in.Derived.CSVDelay)
}

// CreateSpend builds an unsigned, unfinalized PSBT spending inputs to
// destinations at feerate sat/vbyte, adding a change output paying
// changeOutput (derived from the wallet's change branch) when the
// leftover after fees clears the dust threshold. It never selects its
// own coins and never splits a transaction across more than one
// candidate set of inputs.
func CreateSpend(
	inputs []InputCoin,
	destinations []Destination,
	feerate uint64,
	changeOutput *descriptor.Derived,
	tipHeight int32,
) (*psbt.Packet, error) {
	if len(inputs) == 0 {
		return nil, errNoOutpoint()
	}
	if len(destinations) == 0 {
		return nil, errNoDestination()
	}
	if feerate == 0 || feerate > amount.MaxFeerate {
		return nil, errInvalidFeerate(feerate)
	}
	for _, dest := range destinations {
		if !amount.CheckOutputValue(dest.Amount) {
			return nil, errInvalidOutputValue(dest.Amount.ToSat())
		}
	}

	var inputTotal amount.Amount
	maxSatWeights := make([]int64, len(inputs))
	for i, in := range inputs {
		sum, ok := inputTotal.Add(in.Amount)
		if !ok {
			return nil, errSanityCheckFailure("input total overflows amount range")
		}
		inputTotal = sum
		maxSatWeights[i] = in.Derived.MaxSatWeight
	}

	var destTotal amount.Amount
	for _, dest := range destinations {
		sum, ok := destTotal.Add(dest.Amount)
		if !ok {
			return nil, errSanityCheckFailure("destination total overflows amount range")
		}
		destTotal = sum
	}

	// First attempt: with a change output valued at zero, just to size
	// the transaction for a fee estimate.
	withChange := newUnsignedTx(inputs, destinations, changeOutput.ScriptPubKey, tipHeight)
	feeWithChange, _ := estimateFee(withChange, maxSatWeights, feerate)

	changeValue, ok := inputTotal.Sub(destTotal)
	if ok {
		changeValue, ok = changeValue.Sub(amount.FromSat(feeWithChange))
	}

	if ok && amount.CheckOutputValue(changeValue) {
		withChange.TxOut[len(withChange.TxOut)-1].Value = int64(changeValue.ToSat())
		return buildPacket(withChange, inputs)
	}

	// Second attempt: no change, leftover absorbed into the fee. The
	// leftover need not cover the target fee exactly: it is accepted as
	// long as the feerate it implies is at least 90% of the requested
	// feerate, even though that may underpay the nominal target.
	noChange := newUnsignedTx(inputs, destinations, nil, tipHeight)
	feeNoChange, vsizeNoChange := estimateFee(noChange, maxSatWeights, feerate)
	leftover, ok := inputTotal.Sub(destTotal)
	if !ok {
		return nil, errInsufficientFunds(inputTotal.ToSat(), destTotal.ToSat(), feeNoChange)
	}
	if leftover.ToSat()*10 < feerate*9*vsizeNoChange {
		return nil, errInsufficientFunds(inputTotal.ToSat(), destTotal.ToSat(), feeNoChange)
	}

	return buildPacket(noChange, inputs)
}

// newUnsignedTx builds the unsigned transaction skeleton for inputs and
// destinations, appending a zero-value change output paying
// changeScript when non-nil.
func newUnsignedTx(inputs []InputCoin, destinations []Destination, changeScript []byte, tipHeight int32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		txIn := wire.NewTxIn(&in.Outpoint, nil, nil)
		txIn.Sequence = inputSequence(in, tipHeight)
		tx.AddTxIn(txIn)
	}
	for _, dest := range destinations {
		tx.AddTxOut(wire.NewTxOut(int64(dest.Amount.ToSat()), mustPayToAddrScript(dest.Address)))
	}
	if changeScript != nil {
		tx.AddTxOut(wire.NewTxOut(0, changeScript))
	}
	return tx
}

// estimateFee computes the absolute fee, in satoshis, of tx once every
// input carries its worst-case witness satisfaction, at feerate
// sat/vbyte.
func estimateFee(tx *wire.MsgTx, maxSatWeights []int64, feerate uint64) (fee uint64, vsize uint64) {
	weight := int64(tx.SerializeSizeStripped()) * int64(amount.WitnessFactor)
	weight += segwitMarkerFlagWeight
	for _, w := range maxSatWeights {
		weight += w
	}
	vsize = amount.Vbytes(weight + amount.WitnessFactor - 1) // round up to the next vbyte
	return vsize * feerate, vsize
}

func buildPacket(tx *wire.MsgTx, inputs []InputCoin) (*psbt.Packet, error) {
	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, errSanityCheckFailure(fmt.Sprintf("building psbt: %s", err))
	}

	for i, in := range inputs {
		pkt.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(in.Amount.ToSat()),
			PkScript: in.Derived.ScriptPubKey,
		}
		pkt.Inputs[i].WitnessScript = in.Derived.WitnessScript
		pkt.Inputs[i].Bip32Derivation = toPsbtDerivations(in.Derived)
	}

	return pkt, nil
}

func toPsbtDerivations(d *descriptor.Derived) []*psbt.Bip32Derivation {
	out := make([]*psbt.Bip32Derivation, 0, len(d.Bip32Derivations))
	for _, der := range d.Bip32Derivations {
		out = append(out, &psbt.Bip32Derivation{
			PubKey:               der.PubKey,
			MasterKeyFingerprint: fingerprintToUint32(der.MasterFingerprint),
			Bip32Path:            der.Path,
		})
	}
	return out
}

func fingerprintToUint32(fp [4]byte) uint32 {
	return uint32(fp[0])<<24 | uint32(fp[1])<<16 | uint32(fp[2])<<8 | uint32(fp[3])
}

func mustPayToAddrScript(addr btcutil.Address) []byte {
	script, err := payToAddrScript(addr)
	if err != nil {
		// Addresses handed to CreateSpend always come from a parsed,
		// network-validated request; a script-building failure here
		// means the caller validated the address against the wrong
		// network, which is a programming error, not a user error.
		panic(fmt.Sprintf("spend: invalid destination address %s: %s", addr.EncodeAddress(), err))
	}
	return script
}
