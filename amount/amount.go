// Package amount implements satoshi-precise checked arithmetic for the
// wallet. All monetary values in the daemon are unsigned 64-bit satoshi
// counts; overflow or underflow must never silently wrap.
package amount

import "fmt"

// Amount is a quantity of satoshis.
type Amount uint64

// FromSat builds an Amount from a raw satoshi count.
func FromSat(sats uint64) Amount {
	return Amount(sats)
}

// ToSat returns the raw satoshi count.
func (a Amount) ToSat() uint64 {
	return uint64(a)
}

func (a Amount) String() string {
	return fmt.Sprintf("%d sat", uint64(a))
}

// Add returns a+b and false if the sum overflowed a uint64.
func (a Amount) Add(b Amount) (Amount, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Sub returns a-b and false if b > a (the containing operation should
// surface this as insufficient funds rather than wrapping).
func (a Amount) Sub(b Amount) (Amount, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

const (
	// Dust is the minimum output value the daemon will create. Below
	// this, an output is considered uneconomical to spend later.
	Dust Amount = 5_000

	// MaxFee is the sanity ceiling on the absolute fee of any
	// transaction the daemon builds or accepts: paying more than this
	// is treated as a bug, not a user decision.
	MaxFee Amount = 100_000_000

	// MaxFeerate is a sanity ceiling on sat/vbyte, not a relay-policy
	// check. The value mirrors MaxFee; the original implementation
	// this was ported from reused the 1-BTC constant here, which only
	// makes sense as a generous upper bound rather than a deliberate
	// feerate cap.
	MaxFeerate uint64 = 100_000_000

	// MaxMoney is the maximum number of satoshis that can ever exist.
	MaxMoney Amount = 21_000_000 * 100_000_000

	// WitnessFactor converts a transaction weight into virtual bytes.
	WitnessFactor = 4

	// MainnetGenesisTime is the timestamp in the mainnet genesis block
	// header, used as the lower sanity bound for rescan timestamps.
	MainnetGenesisTime uint32 = 1_231_006_505
)

// CheckOutputValue reports whether value is an acceptable output value:
// neither dust nor larger than the maximum possible amount of bitcoin.
func CheckOutputValue(value Amount) bool {
	return value >= Dust && value <= MaxMoney
}

// Vbytes converts a weight (in weight units) to virtual bytes, rounding
// down. Callers that need the rounded-up size add WitnessFactor-1 to the
// weight first.
func Vbytes(weight int64) uint64 {
	if weight < 0 {
		return 0
	}
	return uint64(weight) / WitnessFactor
}
