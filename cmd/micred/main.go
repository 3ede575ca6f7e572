package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/managed-identity-credentials/cmd/flags"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/identity"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/urfave/cli/v2"
)

type output struct {
	*interfaces.CredentialResponse
	Source        interfaces.TokenSource `json:"source"`
	KeyKind       string                 `json:"key_kind"`
	Thumbprint    string                 `json:"certificate_thumbprint"`
	Certificate   string                 `json:"certificate"`
	CorrelationID string                 `json:"correlation_id"`
}

var certificateOutFlag = &cli.StringFlag{
	Name:  "certificate-out",
	Usage: "also write the PEM binding certificate to this file",
}

// newOutput describes res with the binding certificate in PEM format.
func newOutput(res *identity.Result) output {
	return output{
		CredentialResponse: res.Response,
		Source:             res.Source,
		KeyKind:            res.KeyKind.String(),
		Thumbprint:         res.Certificate.Thumbprint,
		Certificate:        string(cryptoutils.NewCertificatePEM(res.Certificate.Raw)),
		CorrelationID:      res.CorrelationID,
	}
}

func main() {
	app := &cli.App{
		Name:  "micred",
		Usage: "Obtain a managed-identity credential bound to this machine's key",
		Flags: append(append([]cli.Flag{flags.LogServiceFlagFn("micred"), certificateOutFlag}, flags.CommonFlags...), flags.CredentialFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}
			svcCfg, err := cfg.ServiceConfig()
			if err != nil {
				return err
			}

			svc, err := identity.NewService(svcCfg, identity.Dependencies{Log: logger})
			if err != nil {
				logger.Error("Could not create credential service", "err", err)
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := svc.GetCredential(ctx, identity.Request{})
			if err != nil {
				logger.Error("Could not obtain credential", "err", err)
				return err
			}

			if path := cCtx.String(certificateOutFlag.Name); path != "" {
				certPEM := cryptoutils.NewCertificatePEM(res.Certificate.Raw)
				if err := os.WriteFile(path, certPEM, 0o644); err != nil {
					logger.Error("Could not write binding certificate", "err", err)
					return err
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(newOutput(res))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
