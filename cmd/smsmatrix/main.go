package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/smsmatrix/pkg/bridge"
)

func main() {
	app := &cli.App{
		Name:    "smsmatrix",
		Usage:   "Bridge a phone's SMS transport to Matrix rooms",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			sendCommand,
			statusCommand,
			whoamiCommand,
			exampleConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
}

// openBridge loads the config and wires the full component graph.
func openBridge(ctx *cli.Context, sms bridge.SMSSender) (*bridge.Bridge, error) {
	cfg, err := bridge.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	log := newLogger()

	db, err := bridge.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	store := bridge.NewStore(db, log, bridge.SyncDirection(cfg.DefaultSyncDirection))
	if err = store.EnsureSchema(ctx.Context); err != nil {
		return nil, err
	}

	matrix, err := bridge.NewMatrixClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken, log)
	if err != nil {
		return nil, err
	}
	return bridge.New(cfg, matrix, sms, store, log), nil
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the bridge",
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	sms := &devSMSSender{}
	b, err := openBridge(ctx, sms)
	if err != nil {
		return err
	}
	sms.coord = b.Coord
	sms.log = newLogger().With().Str("component", "sms-dev").Logger()

	if err = b.Sync.Start(); err != nil {
		return fmt.Errorf("failed to start sync loop: %w", err)
	}

	stop := make(chan struct{})
	go b.Settings.Watch(ctx.String("config"), stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stop)
	b.Sync.Stop()
	return nil
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Queue and send an outbound SMS",
	ArgsUsage: "PHONE BODY",
	Action:    cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: smsmatrix send PHONE BODY")
	}
	sms := &devSMSSender{log: newLogger()}
	b, err := openBridge(ctx, sms)
	if err != nil {
		return err
	}
	sms.coord = b.Coord
	msg, err := b.Coord.SendFromLocalUI(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1), 0)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("transport did not accept the message")
	}
	fmt.Printf("Queued message %d to %s\n", msg.ID, bridge.NormalizeNumber(ctx.Args().Get(0)))
	return nil
}

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Print the bridge health snapshot",
	Action: cmdStatus,
}

func cmdStatus(ctx *cli.Context) error {
	cfg, err := bridge.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	log := newLogger()
	db, err := bridge.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store := bridge.NewStore(db, log, bridge.SyncDirection(cfg.DefaultSyncDirection))
	if err = store.EnsureSchema(ctx.Context); err != nil {
		return err
	}
	snapshot, err := store.Snapshot(ctx.Context)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var whoamiCommand = &cli.Command{
	Name:   "whoami",
	Usage:  "Probe Matrix connectivity with the configured credentials",
	Action: cmdWhoami,
}

func cmdWhoami(ctx *cli.Context) error {
	cfg, err := bridge.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	matrix, err := bridge.NewMatrixClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken, newLogger())
	if err != nil {
		return err
	}
	if !matrix.TestConnection(ctx.Context) {
		return fmt.Errorf("connectivity probe failed")
	}
	fmt.Println(matrix.OwnUserID())
	return nil
}

var exampleConfigCommand = &cli.Command{
	Name:   "example-config",
	Usage:  "Print an example config file",
	Action: func(*cli.Context) error { fmt.Print(bridge.ExampleConfig); return nil },
}

// devSMSSender is a development stand-in for the platform radio: it logs
// each part and acknowledges it asynchronously, exercising the coordinator's
// callback path. Replace with a real platform adapter in production.
type devSMSSender struct {
	coord *bridge.Coordinator
	log   zerolog.Logger
}

func (d *devSMSSender) SendParts(dest string, parts []bridge.SMSPart) error {
	for _, part := range parts {
		d.log.Info().Str("dest", dest).Int("part", part.Index+1).Int("total", part.Total).
			Str("body", part.Body).Msg("SMS part dispatched (dev transport)")
	}
	go func() {
		ctx := context.Background()
		for _, part := range parts {
			d.coord.HandleSentResult(ctx, bridge.SMSPartResult{
				MessageID: part.MessageID,
				Index:     part.Index,
				Total:     part.Total,
				Code:      bridge.SMSResultOK,
			})
		}
		if len(parts) > 0 {
			d.coord.HandleDeliveredResult(ctx, bridge.SMSPartResult{
				MessageID: parts[0].MessageID,
				Index:     0,
				Total:     parts[0].Total,
				Code:      bridge.SMSResultOK,
			})
		}
	}()
	return nil
}
