package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/config"
	"github.com/ruteri/managed-identity-credentials/imdsemulator"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *imdsemulator.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &imdsemulator.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadConfig reads the --config file, or the defaults when none is given, and
// applies the credential flags that were set explicitly.
func LoadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String(ConfigFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if cCtx.IsSet(EndpointFlag.Name) {
		cfg.Endpoint = cCtx.String(EndpointFlag.Name)
	}
	if cCtx.IsSet(IdentityKindFlag.Name) {
		cfg.Identity.Kind = cCtx.String(IdentityKindFlag.Name)
	}
	if cCtx.IsSet(IdentityValueFlag.Name) {
		cfg.Identity.Value = cCtx.String(IdentityValueFlag.Name)
	}
	if cCtx.IsSet(KeyDirFlag.Name) {
		cfg.Key.Dir = cCtx.String(KeyDirFlag.Name)
	}
	if cCtx.IsSet(TPMDeviceFlag.Name) {
		cfg.Key.TPMDevice = cCtx.String(TPMDeviceFlag.Name)
	}
	if cCtx.IsSet(DisableIsolationFlag.Name) {
		cfg.Key.DisableIsolation = cCtx.Bool(DisableIsolationFlag.Name)
	}
	if cCtx.IsSet(DisableTPMFlag.Name) {
		cfg.Key.DisableTPM = cCtx.Bool(DisableTPMFlag.Name)
	}
	if cCtx.IsSet(AttestationTypeFlag.Name) {
		cfg.Key.AttestationType = cCtx.String(AttestationTypeFlag.Name)
	}
	if cCtx.IsSet(LogPiiFlag.Name) {
		cfg.Logging.Pii = cCtx.Bool(LogPiiFlag.Name)
	}

	return cfg, cfg.Validate()
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"MICRED_CONFIG"},
	Usage:   "YAML configuration file",
}

var EndpointFlag = &cli.StringFlag{
	Name:    "endpoint",
	EnvVars: []string{"MICRED_ENDPOINT"},
	Usage:   "managed-identity credential endpoint",
}

var IdentityKindFlag = &cli.StringFlag{
	Name:  "identity-kind",
	Usage: "managed identity to use: system_assigned, client_id, resource_id or object_id",
}
var IdentityValueFlag = &cli.StringFlag{
	Name:  "identity",
	Usage: "identifier of the user-assigned managed identity",
}

var KeyDirFlag = &cli.StringFlag{
	Name:  "key-dir",
	Usage: "directory persisting the software key; in-memory when empty",
}
var TPMDeviceFlag = &cli.StringFlag{
	Name:  "tpm-device",
	Usage: "TPM resource manager device",
}
var DisableIsolationFlag = &cli.BoolFlag{
	Name:  "disable-isolation",
	Usage: "do not try hardware-isolated keys",
}
var DisableTPMFlag = &cli.BoolFlag{
	Name:  "disable-tpm",
	Usage: "do not try TPM-backed keys",
}
var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Usage: "isolation evidence: qemu-tdx or dummy",
}

var CredentialFlags = []cli.Flag{
	ConfigFlag,
	EndpointFlag,
	IdentityKindFlag,
	IdentityValueFlag,
	KeyDirFlag,
	TPMDeviceFlag,
	DisableIsolationFlag,
	DisableTPMFlag,
	AttestationTypeFlag,
	LogPiiFlag,
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogPiiFlag = &cli.BoolFlag{
	Name:  "log-pii",
	Value: false,
	Usage: "log identifiers and endpoint payloads",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
