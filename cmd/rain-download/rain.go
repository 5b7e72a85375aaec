// Command rain-download fetches a single torrent's content to disk and
// exits once every piece has been written, or once a fatal error (bad
// torrent file, unreachable trackers, I/O failure) stops it early.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	cli "github.com/urfave/cli"

	rainleech "github.com/cenkalti/rain-leech"
	"github.com/cenkalti/rain-leech/logger"
	"github.com/cenkalti/rain-leech/metainfo"
	"github.com/cenkalti/rain-leech/torrent"
)

func main() {
	app := cli.NewApp()
	app.Name = "rain-download"
	app.Usage = "download a single torrent's content to disk"
	app.Version = "0.1.0"
	app.ArgsUsage = "<torrent_file>"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "o", Value: ".", Usage: "destination directory"},
		cli.BoolFlag{Name: "l", Usage: "enable debug logging"},
		cli.StringFlag{Name: "log-file", Usage: "write logs to this path instead of stderr"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("give a torrent file as the first argument", 1)
	}

	if logPath := c.String("log-file"); logPath != "" {
		expanded, err := homedir.Expand(logPath)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		f, err := os.OpenFile(expanded, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		defer f.Close()
		logger.SetHandler(log.NewFileHandler(f))
	}
	if c.Bool("l") {
		logger.SetLevel(log.DEBUG)
	}

	dest, err := homedir.Expand(c.String("o"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	torrentPath, err := homedir.Expand(c.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	file, err := os.Open(torrentPath) //nolint:gosec
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer file.Close()

	meta, err := metainfo.Parse(file)
	if err != nil {
		return cli.NewExitError(fmt.Errorf("parsing torrent file: %w", err), 1)
	}

	cfg := rainleech.DefaultConfig

	dl, err := torrent.New(meta, dest, cfg, logger.New("rain-download"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := dl.Start(ctx); err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := dl.Wait(ctx); err != nil {
		return cli.NewExitError(err, 1)
	}
	if dl.Status() != torrent.Finished {
		return cli.NewExitError("download stopped before completion", 1)
	}
	return nil
}
