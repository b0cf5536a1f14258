package history

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lianahq/lianad/amount"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/store"
	"github.com/stretchr/testify/require"
)

func coinAt(txidByte byte, vout uint32, value uint64, blockTime uint32, height int32) store.Coin {
	var hash chainhash.Hash
	hash[0] = txidByte
	return store.Coin{
		Outpoint: wire.OutPoint{Hash: hash, Index: vout},
		Amount:   amount.FromSat(value),
		Block:    &store.Block{Height: height, Time: blockTime},
	}
}

// TestGetFourCoinFixture mirrors the shape of the original gethistory
// fixture: three coins received at times 1, 2 and 4, the one from time 1
// spent at time 3 by a transaction that produces a fourth, change coin
// (which yields no receive event of its own).
func TestGetFourCoinFixture(t *testing.T) {
	t.Parallel()

	var spendTxid chainhash.Hash
	spendTxid[0] = 0xaa

	spentCoin := coinAt(1, 0, 100_000, 1, 10)
	spentCoin.SpendTxid = &spendTxid
	spentCoin.SpendBlock = &store.Block{Height: 30, Time: 3}

	changeCoin := coinAt(0xaa, 0, 40_000, 3, 30)
	changeCoin.Branch = descriptor.Change

	coins := []store.Coin{
		spentCoin,
		changeCoin,
		coinAt(2, 0, 20_000, 2, 20),
		coinAt(3, 0, 30_000, 4, 40),
	}

	txOutputTotal := map[chainhash.Hash]amount.Amount{
		spendTxid: amount.FromSat(95_000), // 40_000 change + 55_000 external destination
	}

	events := Get(coins, txOutputTotal, 0, 4, 10)
	require.Len(t, events, 4)
	// newest first
	require.Equal(t, uint32(4), events[0].Time)
	require.Equal(t, uint32(3), events[1].Time)
	require.Equal(t, EventSpend, events[1].Kind)
	require.Equal(t, amount.FromSat(5_000), events[1].MinerFee)
	require.Equal(t, uint32(2), events[2].Time)
	require.Equal(t, uint32(1), events[3].Time)
}

func TestGetWindowedSubset(t *testing.T) {
	t.Parallel()

	var spendTxid chainhash.Hash
	spendTxid[0] = 0xaa

	spentCoin := coinAt(1, 0, 100_000, 1, 10)
	spentCoin.SpendTxid = &spendTxid
	spentCoin.SpendBlock = &store.Block{Height: 30, Time: 3}

	coins := []store.Coin{
		spentCoin,
		coinAt(2, 0, 20_000, 2, 20),
		coinAt(3, 0, 30_000, 4, 40),
	}
	txOutputTotal := map[chainhash.Hash]amount.Amount{spendTxid: amount.FromSat(99_000)}

	events := Get(coins, txOutputTotal, 2, 3, 10)
	require.Len(t, events, 1)
	require.Equal(t, EventSpend, events[0].Kind)
}

func TestGetRespectsLimit(t *testing.T) {
	t.Parallel()

	coins := []store.Coin{
		coinAt(1, 0, 1000, 1, 10),
		coinAt(2, 0, 1000, 2, 20),
		coinAt(3, 0, 1000, 3, 30),
	}

	events := Get(coins, nil, 0, 10, 2)
	require.Len(t, events, 2)
	require.Equal(t, uint32(3), events[0].Time)
}

func TestGetSkipsUnconfirmed(t *testing.T) {
	t.Parallel()

	coins := []store.Coin{
		{Outpoint: wire.OutPoint{}, Amount: amount.FromSat(1000)}, // no Block: unconfirmed
	}
	events := Get(coins, nil, 0, 100, -1)
	require.Empty(t, events)
}
