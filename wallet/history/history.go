// Package history aggregates the wallet's coin store into a
// chronological list of receive and spend events, transliterated from
// the original gethistory command: it walks confirmed coins and spend
// confirmations in descending time order, computing each spend's miner
// fee from the coins it consumed versus the full transaction's output
// total (fetched from the chain backend, since a spend's destination
// outputs generally aren't wallet coins the store tracks).
package history

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/store"
)

// EventKind distinguishes a deposit into the wallet from a spend out of
// it.
type EventKind int

const (
	EventReceive EventKind = iota
	EventSpend
)

// Event is one entry of the wallet's history: either coins received at
// Time, or a spend transaction that confirmed at Time consuming Coins
// and paying MinerFee.
type Event struct {
	Kind     EventKind
	Time     uint32
	Height   int32
	Txid     chainhash.Hash
	Coins    []store.Coin
	MinerFee amount.Amount
}

// Get returns confirmed events with timestamp in (start, end], newest
// first, up to limit entries (a negative limit means unbounded). A
// spend event is reported once, at the time its spend transaction
// confirmed, aggregating every coin it consumed; a receive event is
// reported once per confirmed coin not on the change branch (change
// coins produce no receive event). txOutputTotal supplies, for each
// spend transaction encountered, the sum of all of that transaction's
// outputs (wallet-owned or not) so the miner fee can be computed
// exactly; a spend whose txid is missing from txOutputTotal is skipped
// rather than reported with a wrong fee.
func Get(coins []store.Coin, txOutputTotal map[chainhash.Hash]amount.Amount, start, end uint32, limit int) []Event {
	events := make([]Event, 0, len(coins))

	bySpendTxid := make(map[chainhash.Hash][]store.Coin)
	for _, c := range coins {
		if c.IsConfirmed() && c.Branch != descriptor.Change && withinWindow(c.Block.Time, start, end) {
			events = append(events, Event{
				Kind:   EventReceive,
				Time:   c.Block.Time,
				Height: c.Block.Height,
				Txid:   c.Outpoint.Hash,
				Coins:  []store.Coin{c},
			})
		}
		if c.IsSpent() && c.IsSpentConfirmed() {
			bySpendTxid[*c.SpendTxid] = append(bySpendTxid[*c.SpendTxid], c)
		}
	}

	for txid, spent := range bySpendTxid {
		block := *spent[0].SpendBlock
		if !withinWindow(block.Time, start, end) {
			continue
		}

		outputTotal, ok := txOutputTotal[txid]
		if !ok {
			continue
		}

		var consumed amount.Amount
		for _, c := range spent {
			sum, ok := consumed.Add(c.Amount)
			if !ok {
				continue
			}
			consumed = sum
		}

		minerFee, ok := consumed.Sub(outputTotal)
		if !ok {
			minerFee = 0
		}

		events = append(events, Event{
			Kind:     EventSpend,
			Time:     block.Time,
			Height:   block.Height,
			Txid:     txid,
			Coins:    spent,
			MinerFee: minerFee,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Time > events[j].Time
	})

	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

func withinWindow(t, start, end uint32) bool {
	return t > start && t <= end
}
