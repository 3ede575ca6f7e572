package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/managed-identity-credentials/cmd/flags"
	"github.com/ruteri/managed-identity-credentials/imdsemulator"
	"github.com/urfave/cli/v2"
)

var emulatorFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the credential endpoint",
	},
	&cli.StringFlag{
		Name:  "tenant-id",
		Usage: "tenant id reported in credentials; random when empty",
	},
	&cli.StringFlag{
		Name:  "client-id",
		Usage: "client id of the system-assigned identity; random when empty",
	},
	&cli.StringFlag{
		Name:  "regional-token-url",
		Value: "https://login.microsoftonline.com",
		Usage: "regional token endpoint reported in credentials",
	},
	&cli.DurationFlag{
		Name:  "lifetime",
		Value: imdsemulator.DefaultLifetime,
		Usage: "lifetime of issued credentials",
	},
	&cli.DurationFlag{
		Name:  "refresh-in",
		Usage: "refresh hint of issued credentials; half the lifetime when unset",
	},
}

func main() {
	app := &cli.App{
		Name:  "imds-emulator",
		Usage: "Serve a development managed-identity credential endpoint",
		Flags: append(append(append([]cli.Flag{flags.LogServiceFlagFn("imds-emulator")}, flags.CommonFlags...), flags.ServerFlags...), emulatorFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			handler, err := imdsemulator.NewHandler(imdsemulator.HandlerConfig{
				TenantID:               cCtx.String("tenant-id"),
				SystemAssignedClientID: cCtx.String("client-id"),
				RegionalTokenURL:       cCtx.String("regional-token-url"),
				Lifetime:               cCtx.Duration("lifetime"),
				RefreshIn:              cCtx.Duration("refresh-in"),
				Log:                    logger,
			})
			if err != nil {
				logger.Error("Could not create credential handler", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := imdsemulator.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
