// Package rescan drives the wallet's historical scan: replaying chain
// history from a user-given timestamp to rediscover coins the daemon
// hadn't been watching for yet (e.g. after importing an existing
// descriptor). mempool.space exposes no server-side "rescan my wallet"
// endpoint, so unlike a trusted-node backend Run makes a single
// ReceivedCoins lookup from the block at or before the rescan timestamp
// and records what it returns.
package rescan

import (
	"context"
	"fmt"

	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/chain"
	"github.com/lianahq/lianad/store"
)

// ErrorCode classifies a rescan-command failure.
type ErrorCode int

const (
	ErrAlreadyRescanning ErrorCode = iota
	ErrInsaneRescanTimestamp
	ErrRescanTrigger
)

// Error is the error type every exported function in this package
// returns.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// Start validates timestamp and records it as the wallet's rescan
// starting point. The actual scan is done by Run, called separately; Start
// only performs the check-then-act gate against a second rescan being
// requested concurrently. That gate is intentionally racy: two
// concurrent Start calls can both pass the "not already rescanning"
// check before either calls conn.SetRescan, in which case the second
// SetRescan call fails and surfaces ErrAlreadyRescanning — acceptable
// since rescan is a rare, user-initiated operation, not a hot path.
func Start(ctx context.Context, conn store.Conn, backend chain.Backend, timestamp uint32) error {
	if timestamp < amount.MainnetGenesisTime {
		return &Error{ErrInsaneRescanTimestamp, fmt.Sprintf("rescan: timestamp %d predates the genesis block", timestamp)}
	}

	tipHeight, _, err := backend.ChainTip(ctx)
	if err != nil {
		return &Error{ErrRescanTrigger, fmt.Sprintf("rescan: fetching chain tip: %s", err)}
	}
	tipTime, err := backend.BlockTime(ctx, tipHeight)
	if err != nil {
		return &Error{ErrRescanTrigger, fmt.Sprintf("rescan: fetching tip time: %s", err)}
	}
	if timestamp > tipTime {
		return &Error{ErrInsaneRescanTimestamp, fmt.Sprintf("rescan: timestamp %d is ahead of the chain tip", timestamp)}
	}

	since, err := conn.RescanTimestamp()
	if err != nil {
		return &Error{ErrRescanTrigger, fmt.Sprintf("rescan: reading rescan state: %s", err)}
	}
	if since != nil {
		return &Error{ErrAlreadyRescanning, "rescan: a rescan is already in progress"}
	}

	if err := conn.SetRescan(timestamp); err != nil {
		return &Error{ErrAlreadyRescanning, "rescan: a rescan is already in progress"}
	}
	return nil
}

// Progress reports the current rescan's starting timestamp and how far
// (as a height) the backend's chain tip has progressed since; nil means
// no rescan is in progress.
type Progress struct {
	Since       uint32
	StartHeight int32
	TipHeight   int32
}

// CurrentProgress reports whether a rescan is in progress and, if so,
// how it is bounded.
func CurrentProgress(ctx context.Context, conn store.Conn, backend chain.Backend) (*Progress, error) {
	since, err := conn.RescanTimestamp()
	if err != nil {
		return nil, err
	}
	if since == nil {
		return nil, nil
	}

	startHeight, err := backend.BlockBeforeDate(ctx, *since)
	if err != nil {
		return nil, err
	}
	tipHeight, _, err := backend.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	return &Progress{Since: *since, StartHeight: startHeight, TipHeight: tipHeight}, nil
}

// ScriptWatcher resolves which scriptPubKeys the wallet currently
// watches; the caller of Run supplies it (e.g. from the descriptor)
// rather than rescan depending on the descriptor package directly.
type ScriptWatcher func() [][]byte

// Run performs an in-progress rescan in a single pass: it fetches any
// coins paying a watched script from the backend since the rescan's
// starting height, records them as new unspent coins, and then marks the
// rescan complete. If no rescan is in progress it does nothing and
// returns nil.
func Run(ctx context.Context, conn store.Conn, backend chain.Backend, watch ScriptWatcher) error {
	since, err := conn.RescanTimestamp()
	if err != nil {
		return err
	}
	if since == nil {
		return nil
	}

	startHeight, err := backend.BlockBeforeDate(ctx, *since)
	if err != nil {
		return err
	}

	received, err := backend.ReceivedCoins(ctx, watch(), startHeight)
	if err != nil {
		return err
	}

	var newCoins []store.Coin
	for _, coinsForScript := range received {
		for _, rc := range coinsForScript {
			coin := store.Coin{Outpoint: rc.Outpoint, Amount: amount.FromSat(uint64(rc.Value))}
			if rc.BlockHeight > 0 {
				coin.Block = &store.Block{Height: rc.BlockHeight, Time: rc.BlockTime}
			}
			newCoins = append(newCoins, coin)
		}
	}
	if len(newCoins) > 0 {
		if err := conn.NewUnspentCoins(newCoins); err != nil {
			return err
		}
	}

	return conn.CompleteRescan()
}
