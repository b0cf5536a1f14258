// Package wire holds the JSON/text encodings the daemon's command
// surface uses on the wire: satoshi amounts as plain integers, PSBTs as
// base64, outpoints as "txid:vout" strings — transliterated from the
// original command layer's ser_amount/deser_amount_from_sats/
// ser_base64/deser_psbt_base64/change_index helpers.
package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/store"
)

// SerAmount renders an amount as its raw satoshi count, the wire
// encoding every command response uses for monetary values.
func SerAmount(a amount.Amount) uint64 {
	return a.ToSat()
}

// DeserAmountFromSats builds an Amount from a wire-provided satoshi
// count.
func DeserAmountFromSats(sats uint64) amount.Amount {
	return amount.FromSat(sats)
}

// SerOptionalAmount renders an optional amount (nil meaning absent).
func SerOptionalAmount(a *amount.Amount) *uint64 {
	if a == nil {
		return nil
	}
	sats := a.ToSat()
	return &sats
}

// DeserOptionalAmountFromSats is the inverse of SerOptionalAmount.
func DeserOptionalAmountFromSats(sats *uint64) *amount.Amount {
	if sats == nil {
		return nil
	}
	a := amount.FromSat(*sats)
	return &a
}

// SerBase64 base64-encodes a PSBT for wire transport.
func SerBase64(pkt *psbt.Packet) (string, error) {
	raw, err := pkt.B64Encode()
	if err != nil {
		return "", fmt.Errorf("wire: encoding psbt: %w", err)
	}
	return raw, nil
}

// DeserPsbtBase64 decodes a base64-encoded PSBT.
func DeserPsbtBase64(encoded string) (*psbt.Packet, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding base64: %w", err)
	}
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("wire: parsing psbt: %w", err)
	}
	return pkt, nil
}

// SerOutpoint renders an outpoint as "txid:vout", matching bitcoind's and
// every Bitcoin wallet's conventional text form.
func SerOutpoint(op wire.OutPoint) string {
	return op.String()
}

// DeserOutpoint parses a "txid:vout" string back into an OutPoint.
func DeserOutpoint(s string) (wire.OutPoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("wire: invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("wire: invalid outpoint txid %q: %w", parts[0], err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("wire: invalid outpoint vout %q: %w", parts[1], err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}

// ChangeIndex reports the derivation info of the first output of pkt
// whose scriptPubKey the store recognizes as one of the wallet's own
// addresses, or nil if none is. It does not check which branch (receive
// or change) that address was derived on.
func ChangeIndex(pkt *psbt.Packet, conn store.Conn) (*store.DerivationInfo, error) {
	for _, out := range pkt.UnsignedTx.TxOut {
		info, err := conn.DerivationIndexByAddress(out.PkScript)
		if err == nil {
			return info, nil
		}
	}
	return nil, nil
}
