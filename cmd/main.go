package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v2"

	logger_util "github.com/free5gc/util/logger"
	"github.com/vpnsetup/secgw/internal/logger"
	"github.com/vpnsetup/secgw/pkg/factory"
	"github.com/vpnsetup/secgw/pkg/service"
)

var SECGW *service.SecgwApp

func main() {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			logger.MainLog.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
	}()

	app := cli.NewApp()
	app.Name = "secgw"
	app.Usage = "IPsec Security Gateway"
	app.Action = action
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Load configuration from `FILE`",
		},
		&cli.StringSliceFlag{
			Name:    "log",
			Aliases: []string{"l"},
			Usage:   "Output log to `FILE`",
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.MainLog.Errorf("SECGW Run Error: %v\n", err)
	}
}

func action(cliCtx *cli.Context) error {
	if err := initLogFile(cliCtx.StringSlice("log")); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh  // Wait for interrupt signal to gracefully shutdown
		cancel() // Notify each goroutine and wait them stopped
	}()

	cfg, err := factory.ReadConfig(cliCtx.String("config"))
	if err != nil {
		close(sigCh)
		return err
	}
	factory.SecgwConfig = cfg

	secgw, err := service.NewApp(ctx, cfg)
	if err != nil {
		close(sigCh)
		return err
	}
	SECGW = secgw

	secgw.Start()

	return nil
}

func initLogFile(logNfPath []string) error {
	for _, path := range logNfPath {
		if err := logger_util.LogFileHook(logger.Log, path); err != nil {
			return err
		}
	}
	return nil
}
