// Command lianad runs the inheritance wallet daemon: it loads
// configuration, opens the sqlite coin store, connects to a
// mempool.space-compatible chain backend, and exposes the wallet's
// command surface as urfave/cli subcommands that print JSON results to
// stdout — the same shape as the teacher's cmd/ binaries wrapping a
// client package behind a CLI front-end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/urfave/cli"

	"github.com/lianahq/lianad/chain/mempool"
	"github.com/lianahq/lianad/config"
	"github.com/lianahq/lianad/descriptor"
	"github.com/lianahq/lianad/lianalog"
	"github.com/lianahq/lianad/store"
	"github.com/lianahq/lianad/wallet"
	"github.com/lianahq/lianad/wallet/spend"
	wirepkg "github.com/lianahq/lianad/wallet/wire"
)

var log = lianalog.Logger("LIAD")

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.NewApp()
	app.Name = "lianad"
	app.Usage = "time-locked inheritance Bitcoin wallet daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "configfile", Usage: "path to lianad.conf"},
		cli.StringFlag{Name: "datadir", Usage: "wallet data directory"},
	}
	app.Commands = []cli.Command{
		getInfoCommand,
		getNewAddressCommand,
		listCoinsCommand,
		createSpendCommand,
		updateSpendCommand,
		listSpendCommand,
		delSpendCommand,
		broadcastSpendCommand,
		startRescanCommand,
		getHistoryCommand,
	}
	return app.Run(args)
}

// daemonCtx bundles everything a subcommand needs once configuration has
// been loaded and the daemon's components wired together.
func daemonCtx(ctx *cli.Context) (*wallet.Control, func(), error) {
	args := os.Args[1:]
	cfg, err := config.Load(args)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		lianalog.Init(logFile)
	}

	network, err := networkParams(cfg.Network)
	if err != nil {
		return nil, nil, err
	}

	ownerXpub, err := hdkeychain.NewKeyFromString(cfg.OwnerXPub)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing ownerxpub: %w", err)
	}
	heirXpub, err := hdkeychain.NewKeyFromString(cfg.HeirXPub)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing heirxpub: %w", err)
	}

	desc, err := descriptor.New(
		descriptor.ExtendedKey{XPub: ownerXpub},
		descriptor.ExtendedKey{XPub: heirXpub},
		cfg.CSVDelay,
		network,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building descriptor: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), network, desc.String(), cfg.Timestamp)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	mempoolCfg := mempool.DefaultConfig()
	if cfg.MempoolURL != "" {
		mempoolCfg.BaseURL = cfg.MempoolURL
	}
	backend := mempool.NewBackend(mempoolCfg, network)

	ctrl, err := wallet.New(wallet.Config{Store: st, Backend: backend, Descriptor: desc})
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("initializing wallet control: %w", err)
	}

	cleanup := func() {
		if err := ctrl.Close(); err != nil {
			log.Errorf("closing store: %v", err)
		}
	}
	return ctrl, cleanup, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", name)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var getInfoCommand = cli.Command{
	Name:  "getinfo",
	Usage: "report daemon version, network, sync progress and descriptor",
	Action: func(ctx *cli.Context) error {
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		info, err := ctrl.GetInfo(context.Background())
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var getNewAddressCommand = cli.Command{
	Name:  "getnewaddress",
	Usage: "derive and return the next unused receive address",
	Action: func(ctx *cli.Context) error {
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		addr, index, err := ctrl.GetNewAddress(context.Background())
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"address": addr, "derivation_index": index})
	},
}

var listCoinsCommand = cli.Command{
	Name:  "listcoins",
	Usage: "list every coin the wallet tracks",
	Action: func(ctx *cli.Context) error {
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		coins, err := ctrl.ListCoins()
		if err != nil {
			return err
		}
		return printJSON(coins)
	},
}

var createSpendCommand = cli.Command{
	Name:      "createspend",
	Usage:     "build an unsigned PSBT spending the given outpoints",
	ArgsUsage: "feerate_vb outpoint[,outpoint...] address:sats[,address:sats...]",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return cli.ShowCommandHelp(ctx, "createspend")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var feerate uint64
		if _, err := fmt.Sscanf(ctx.Args().Get(0), "%d", &feerate); err != nil {
			return fmt.Errorf("invalid feerate_vb: %w", err)
		}

		outpoints, err := parseOutpoints(ctx.Args().Get(1))
		if err != nil {
			return err
		}

		destinations, err := parseDestinations(ctx.Args().Get(2), ctrl.Network())
		if err != nil {
			return err
		}

		pkt, err := ctrl.CreateSpend(context.Background(), wallet.CreateSpendRequest{
			Outpoints:    outpoints,
			Destinations: destinations,
			FeerateVb:    feerate,
		})
		if err != nil {
			return err
		}

		b64, err := wirepkg.SerBase64(pkt)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"psbt": b64})
	},
}

func parseOutpoints(s string) ([]btcwire.OutPoint, error) {
	parts := strings.Split(s, ",")
	outpoints := make([]btcwire.OutPoint, 0, len(parts))
	for _, p := range parts {
		op, err := wirepkg.DeserOutpoint(p)
		if err != nil {
			return nil, err
		}
		outpoints = append(outpoints, op)
	}
	return outpoints, nil
}

func parseDestinations(s string, network *chaincfg.Params) ([]spend.Destination, error) {
	parts := strings.Split(s, ",")
	destinations := make([]spend.Destination, 0, len(parts))
	for _, p := range parts {
		fields := strings.SplitN(p, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid destination %q, want address:sats", p)
		}
		addr, err := btcutil.DecodeAddress(fields[0], network)
		if err != nil {
			return nil, fmt.Errorf("invalid destination address %q: %w", fields[0], err)
		}
		var sats uint64
		if _, err := fmt.Sscanf(fields[1], "%d", &sats); err != nil {
			return nil, fmt.Errorf("invalid destination amount %q: %w", fields[1], err)
		}
		destinations = append(destinations, spend.Destination{Address: addr, Amount: wirepkg.DeserAmountFromSats(sats)})
	}
	return destinations, nil
}

var updateSpendCommand = cli.Command{
	Name:      "updatespend",
	Usage:     "merge partial signatures from a base64 PSBT into the stored spend",
	ArgsUsage: "base64psbt",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "updatespend")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		pkt, err := wirepkg.DeserPsbtBase64(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		if err := ctrl.UpdateSpend(pkt); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

var listSpendCommand = cli.Command{
	Name:  "listspend",
	Usage: "list every stored spend, including broadcast ones not yet deleted",
	Action: func(ctx *cli.Context) error {
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := ctrl.ListSpend()
		if err != nil {
			return err
		}

		out := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			b64, err := wirepkg.SerBase64(e.Psbt)
			if err != nil {
				return err
			}
			item := map[string]interface{}{"psbt": b64}
			if e.ChangeIndex != nil {
				item["change_index"] = e.ChangeIndex.Index
			}
			out = append(out, item)
		}
		return printJSON(out)
	},
}

var delSpendCommand = cli.Command{
	Name:      "delspend",
	Usage:     "delete a stored spend by txid",
	ArgsUsage: "txid",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "delspend")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		txid, err := chainhash.NewHashFromStr(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		if err := ctrl.DelSpend(*txid); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

var broadcastSpendCommand = cli.Command{
	Name:      "broadcastspend",
	Usage:     "finalize and broadcast a stored spend",
	ArgsUsage: "txid",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "broadcastspend")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		txid, err := chainhash.NewHashFromStr(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		hash, err := ctrl.BroadcastSpend(context.Background(), *txid)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"txid": hash.String()})
	},
}

var startRescanCommand = cli.Command{
	Name:      "startrescan",
	Usage:     "begin a wallet-wide rescan from the given timestamp",
	ArgsUsage: "timestamp",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "startrescan")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var timestamp uint32
		if _, err := fmt.Sscanf(ctx.Args().Get(0), "%d", &timestamp); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		if err := ctrl.StartRescan(context.Background(), timestamp); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

var getHistoryCommand = cli.Command{
	Name:      "gethistory",
	Usage:     "list receive/spend events in a time window",
	ArgsUsage: "start end limit",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return cli.ShowCommandHelp(ctx, "gethistory")
		}
		ctrl, cleanup, err := daemonCtx(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var start, end uint32
		var limit int
		if _, err := fmt.Sscanf(ctx.Args().Get(0), "%d", &start); err != nil {
			return fmt.Errorf("invalid start: %w", err)
		}
		if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &end); err != nil {
			return fmt.Errorf("invalid end: %w", err)
		}
		if _, err := fmt.Sscanf(ctx.Args().Get(2), "%d", &limit); err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}

		events, err := ctrl.GetHistory(context.Background(), start, end, limit)
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

