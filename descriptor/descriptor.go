// Package descriptor derives receive/change scripts and witness material
// from the wallet's inheritance descriptor: a policy of shape
// wsh(andor(pk(owner),older(csv),pk(heir))), spendable immediately by the
// owner key or, after csv relative blocks, by the heir key. It is a pure
// function of (descriptor, branch, index, network); it performs no I/O and
// holds no private key material — the daemon never signs, it only builds
// PSBTs for an external signer to complete.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Branch selects one of the two sub-descriptors a multipath descriptor
// decomposes into.
type Branch uint8

const (
	// Receive is the external (deposit) branch, step index 0.
	Receive Branch = 0
	// Change is the internal (change) branch, step index 1.
	Change Branch = 1
)

func (b Branch) String() string {
	if b == Change {
		return "change"
	}
	return "receive"
}

// hardened mirrors BIP32's hardened-derivation offset.
const hardened = hdkeychain.HardenedKeyStart

// KeyOrigin carries the BIP32 information a signer needs to locate a
// wallet public key: which master produced it, and the derivation path
// from that master down to the account-level extended key stored below.
type KeyOrigin struct {
	// Fingerprint is the 4-byte master key fingerprint.
	Fingerprint [4]byte

	// Path is the hardened derivation path from the master to the
	// account-level key (e.g. 48'/0'/0'/2').
	Path []uint32
}

// ExtendedKey pairs an account-level extended public key with the BIP32
// origin information needed to annotate PSBTs for hardware signers.
type ExtendedKey struct {
	Origin KeyOrigin
	XPub   *hdkeychain.ExtendedKey
}

// FullPath returns the complete derivation path from the master down to a
// specific (branch, index) child of this account key.
func (k ExtendedKey) FullPath(branch Branch, index uint32) []uint32 {
	path := make([]uint32, 0, len(k.Origin.Path)+2)
	path = append(path, k.Origin.Path...)
	path = append(path, uint32(branch), index)
	return path
}

// Descriptor is the wallet's two-path inheritance policy:
// wsh(andor(pk(owner),older(csv),pk(heir))).
type Descriptor struct {
	Owner    ExtendedKey
	Heir     ExtendedKey
	CSVDelay uint16
	Network  *chaincfg.Params
}

// New validates and builds a Descriptor.
func New(owner, heir ExtendedKey, csvDelay uint16, network *chaincfg.Params) (*Descriptor, error) {
	if owner.XPub == nil || heir.XPub == nil {
		return nil, fmt.Errorf("descriptor: both owner and heir keys are required")
	}
	if csvDelay == 0 {
		return nil, fmt.Errorf("descriptor: csv delay must be non-zero")
	}
	if network == nil {
		return nil, fmt.Errorf("descriptor: network is required")
	}
	return &Descriptor{
		Owner:    owner,
		Heir:     heir,
		CSVDelay: csvDelay,
		Network:  network,
	}, nil
}

// Bip32Derivation is one entry of a PSBT input's bip32_derivation map.
type Bip32Derivation struct {
	PubKey            []byte
	MasterFingerprint [4]byte
	Path              []uint32
}

// Derived is the material derived for a single (branch, index) child of a
// Descriptor: the witness script, its scriptPubKey, the worst-case
// satisfaction weight, and the BIP32 annotations for both keys involved.
type Derived struct {
	Branch           Branch
	Index            uint32
	ScriptPubKey     []byte
	WitnessScript    []byte
	MaxSatWeight     int64
	CSVDelay         uint16
	Bip32Derivations []Bip32Derivation
	OwnerPubKey      *btcec.PublicKey
	HeirPubKey       *btcec.PublicKey
}

// Address returns the network-encoded P2WSH address for this derivation.
func (d *Derived) Address(network *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressWitnessScriptHash(sha256Sum(d.WitnessScript), network)
}

// Derive computes the script, witness material and BIP32 annotations for
// child index on the given branch.
func (d *Descriptor) Derive(branch Branch, index uint32) (*Derived, error) {
	ownerChild, err := deriveChild(d.Owner.XPub, branch, index)
	if err != nil {
		return nil, fmt.Errorf("descriptor: deriving owner child: %w", err)
	}
	heirChild, err := deriveChild(d.Heir.XPub, branch, index)
	if err != nil {
		return nil, fmt.Errorf("descriptor: deriving heir child: %w", err)
	}

	ownerPub, err := ownerChild.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("descriptor: owner pubkey: %w", err)
	}
	heirPub, err := heirChild.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("descriptor: heir pubkey: %w", err)
	}

	witnessScript, err := inheritanceScript(ownerPub, heirPub, d.CSVDelay)
	if err != nil {
		return nil, fmt.Errorf("descriptor: building witness script: %w", err)
	}

	scriptHash := sha256Sum(witnessScript)
	scriptPubKey, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return nil, fmt.Errorf("descriptor: building scriptPubKey: %w", err)
	}

	return &Derived{
		Branch:        branch,
		Index:         index,
		ScriptPubKey:  scriptPubKey,
		WitnessScript: witnessScript,
		MaxSatWeight:  maxSatisfactionWeight(witnessScript),
		CSVDelay:      d.CSVDelay,
		Bip32Derivations: []Bip32Derivation{
			{
				PubKey:            ownerPub.SerializeCompressed(),
				MasterFingerprint: d.Owner.Origin.Fingerprint,
				Path:              d.Owner.FullPath(branch, index),
			},
			{
				PubKey:            heirPub.SerializeCompressed(),
				MasterFingerprint: d.Heir.Origin.Fingerprint,
				Path:              d.Heir.FullPath(branch, index),
			},
		},
		OwnerPubKey: ownerPub,
		HeirPubKey:  heirPub,
	}, nil
}

func deriveChild(xpub *hdkeychain.ExtendedKey, branch Branch, index uint32) (*hdkeychain.ExtendedKey, error) {
	branchKey, err := xpub.Derive(uint32(branch))
	if err != nil {
		return nil, err
	}
	return branchKey.Derive(index)
}

// inheritanceScript builds the two-branch witness script:
//
//	OP_IF
//	  <owner> OP_CHECKSIG
//	OP_ELSE
//	  <csv> OP_CHECKSEQUENCEVERIFY OP_DROP
//	  <heir> OP_CHECKSIG
//	OP_ENDIF
func inheritanceScript(owner, heir *btcec.PublicKey, csv uint16) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddData(owner.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csv))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(heir.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// maxSatisfactionWeight returns the larger of the two branches' witness
// weight (in weight units, i.e. raw bytes — witness data is not subject
// to the 4x non-witness multiplier). Both branches push a signature and
// the witness script; they differ only in the IF-condition byte (the
// owner branch needs a truthy one-byte push, the heir branch an empty
// push), so the computation simply takes whichever total is larger
// instead of assuming which branch wins.
func maxSatisfactionWeight(witnessScript []byte) int64 {
	const maxDERSigLen = 73 // sig + sighash-type byte, worst case

	scriptPush := compactSizeLen(uint64(len(witnessScript))) + len(witnessScript)
	sigPush := compactSizeLen(maxDERSigLen) + maxDERSigLen

	ownerBranch := 1 /* item count varint */ + sigPush + (compactSizeLen(1) + 1) + scriptPush
	heirBranch := 1 /* item count varint */ + sigPush + (compactSizeLen(0) + 0) + scriptPush

	if ownerBranch > heirBranch {
		return int64(ownerBranch)
	}
	return int64(heirBranch)
}

func compactSizeLen(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

var xpubOwnerRe = regexp.MustCompile(`^\[([0-9a-fA-F]{8})((?:/[0-9]+'?)*)\]([A-Za-z0-9]+)/<0;1>/\*$`)

// String renders the descriptor in the same textual convention used by
// Liana: wsh(andor(pk(owner),older(csv),pk(heir))), with each key
// expressed as [fingerprint/origin-path]xpub/<0;1>/*.
func (d *Descriptor) String() string {
	return fmt.Sprintf(
		"wsh(andor(pk(%s),older(%d),pk(%s)))",
		keyExpr(d.Owner), d.CSVDelay, keyExpr(d.Heir),
	)
}

func keyExpr(k ExtendedKey) string {
	var path strings.Builder
	for _, step := range k.Origin.Path {
		if step >= hardened {
			fmt.Fprintf(&path, "/%d'", step-hardened)
		} else {
			fmt.Fprintf(&path, "/%d", step)
		}
	}
	return fmt.Sprintf(
		"[%s%s]%s/<0;1>/*",
		hex.EncodeToString(k.Origin.Fingerprint[:]), path.String(), k.XPub.String(),
	)
}

// Parse parses a descriptor string produced by String back into a
// Descriptor. It accepts exactly the wsh(andor(pk(..),older(..),pk(..)))
// shape this package emits; it is not a general Miniscript parser.
func Parse(s string, network *chaincfg.Params) (*Descriptor, error) {
	s = strings.TrimSpace(s)
	const prefix, suffix = "wsh(andor(pk(", ")))"
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return nil, fmt.Errorf("descriptor: unsupported policy %q", s)
	}
	body := strings.TrimPrefix(s, prefix)
	body = strings.TrimSuffix(body, suffix)

	// body is now: <ownerKey>),older(<csv>),pk(<heirKey>
	ownerEnd := strings.Index(body, "),older(")
	if ownerEnd < 0 {
		return nil, fmt.Errorf("descriptor: missing older() clause in %q", s)
	}
	ownerExpr := body[:ownerEnd]
	rest := body[ownerEnd+len("),older("):]

	csvEnd := strings.Index(rest, "),pk(")
	if csvEnd < 0 {
		return nil, fmt.Errorf("descriptor: missing heir pk() clause in %q", s)
	}
	csvStr := rest[:csvEnd]
	heirExpr := rest[csvEnd+len("),pk("):]

	csv, err := strconv.ParseUint(csvStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("descriptor: invalid csv value %q: %w", csvStr, err)
	}

	owner, err := parseKeyExpr(ownerExpr, network)
	if err != nil {
		return nil, fmt.Errorf("descriptor: owner key: %w", err)
	}
	heir, err := parseKeyExpr(heirExpr, network)
	if err != nil {
		return nil, fmt.Errorf("descriptor: heir key: %w", err)
	}

	return New(*owner, *heir, uint16(csv), network)
}

func parseKeyExpr(expr string, network *chaincfg.Params) (*ExtendedKey, error) {
	m := xpubOwnerRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("unrecognized key expression %q", expr)
	}

	fpBytes, err := hex.DecodeString(m[1])
	if err != nil || len(fpBytes) != 4 {
		return nil, fmt.Errorf("invalid fingerprint in %q", expr)
	}

	var path []uint32
	for _, step := range strings.Split(m[2], "/") {
		if step == "" {
			continue
		}
		hardenedStep := strings.HasSuffix(step, "'")
		step = strings.TrimSuffix(step, "'")
		n, err := strconv.ParseUint(step, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid path step %q in %q", step, expr)
		}
		if hardenedStep {
			path = append(path, uint32(n)+hardened)
		} else {
			path = append(path, uint32(n))
		}
	}

	xpub, err := hdkeychain.NewKeyFromString(m[3])
	if err != nil {
		return nil, fmt.Errorf("invalid extended key in %q: %w", expr, err)
	}

	var fp [4]byte
	copy(fp[:], fpBytes)

	return &ExtendedKey{
		Origin: KeyOrigin{Fingerprint: fp, Path: path},
		XPub:   xpub,
	}, nil
}
