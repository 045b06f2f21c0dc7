package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/compute-wallet-billing/billing"
	"github.com/ruteri/compute-wallet-billing/cmd/flags"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/httpserver"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/ledger"
	"github.com/ruteri/compute-wallet-billing/pricing"
	"github.com/ruteri/compute-wallet-billing/provider"
	"github.com/ruteri/compute-wallet-billing/secrets"
	"github.com/ruteri/compute-wallet-billing/storage"
	"github.com/ruteri/compute-wallet-billing/store"
	"github.com/ruteri/compute-wallet-billing/wallet"
	"github.com/ruteri/compute-wallet-billing/walletlock"
	"github.com/urfave/cli/v2"
)

// Request timeouts of the external APIs called while a wallet lock is held.
const (
	rateTimeout     = 10 * time.Second
	providerTimeout = 30 * time.Second
)

var flagList = append(append([]cli.Flag{}, flags.CommonFlags...),
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for API",
		EnvVars: []string{"LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:    "database-url",
		Value:   "memory",
		Usage:   "Postgres DSN, or 'memory' for a non-persistent development store",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.BoolFlag{
		Name:    "migrate",
		Value:   true,
		Usage:   "apply schema migrations on start-up",
		EnvVars: []string{"DATABASE_MIGRATE"},
	},
	&cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "Redis address for wallet locks shared across replicas; in-process locks when empty",
		EnvVars: []string{"REDIS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "solana-rpc",
		Value:   "https://api.devnet.solana.com",
		Usage:   "Solana JSON-RPC endpoint, or 'memory' for an in-process ledger",
		EnvVars: []string{"SOLANA_RPC_URL"},
	},
	&cli.DurationFlag{
		Name:    "confirm-timeout",
		Value:   ledger.DefaultConfirmTimeout,
		Usage:   "how long to wait for a transfer to be confirmed",
		EnvVars: []string{"CONFIRM_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "lock-ttl",
		Usage:   "expiry of Redis wallet locks; must exceed the longest lock hold derived from confirm-timeout (default: that bound plus a margin)",
		EnvVars: []string{"LOCK_TTL"},
	},
	&cli.StringFlag{
		Name:    "treasury",
		Value:   "env://TREASURY_PRIVATE_KEY",
		Usage:   "treasury key source: env://VAR, file:///path?passphrase_env=VAR or vault://host:port/mount/path",
		EnvVars: []string{"TREASURY_SOURCE"},
	},
	&cli.StringFlag{
		Name:    "collection-address",
		Usage:   "address receiving payments; defaults to the treasury public key",
		EnvVars: []string{"COLLECTION_ADDRESS"},
	},
	&cli.StringFlag{
		Name:    "kdf-salt",
		Usage:   "shared salt for wallets without a per-wallet salt",
		EnvVars: []string{"KDF_SALT"},
	},
	&cli.IntFlag{
		Name:    "kdf-iterations",
		Value:   cryptoutils.DefaultPBKDF2Iterations,
		EnvVars: []string{"KDF_ITERATIONS"},
	},
	&cli.StringFlag{
		Name:    "kdf-algorithm",
		Value:   string(cryptoutils.KDFPBKDF2),
		Usage:   "pbkdf2-sha256 or argon2id",
		EnvVars: []string{"KDF_ALGORITHM"},
	},
	&cli.StringFlag{
		Name:    "rate-url",
		Value:   pricing.DefaultRateURL,
		Usage:   "SOL/USD price endpoint",
		EnvVars: []string{"RATE_SOURCE_URL"},
	},
	&cli.StringFlag{
		Name:    "rate-api-key",
		EnvVars: []string{"RATE_SOURCE_API_KEY"},
	},
	&cli.StringFlag{
		Name:    "fixed-rate",
		Usage:   "fixed USD per SOL rate for development; overrides rate-url",
		EnvVars: []string{"FIXED_SOL_USD_RATE"},
	},
	&cli.StringFlag{
		Name:    "provider",
		Value:   "lambda",
		Usage:   "provisioning API: 'lambda' or 'memory'",
		EnvVars: []string{"PROVIDER"},
	},
	&cli.StringFlag{
		Name:    "lambda-url",
		Value:   provider.DefaultBaseURL,
		EnvVars: []string{"LAMBDA_API_URL"},
	},
	&cli.StringFlag{
		Name:    "lambda-api-key",
		EnvVars: []string{"LAMBDA_API_KEY"},
	},
	&cli.DurationFlag{
		Name:    "sweep-interval",
		Value:   billing.DefaultSweepInterval,
		EnvVars: []string{"SWEEP_INTERVAL"},
	},
	&cli.DurationFlag{
		Name:    "pending-expiry",
		Value:   billing.DefaultPendingExpiry,
		Usage:   "release debits whose signature the ledger never saw after this long",
		EnvVars: []string{"PENDING_EXPIRY"},
	},
	&cli.StringFlag{
		Name:    "jwt-secret",
		Usage:   "HS256 secret shared with the identity service",
		EnvVars: []string{"JWT_SECRET"},
	},
	&cli.StringSliceFlag{
		Name:    "kafka-brokers",
		Usage:   "Kafka brokers for billing events; events are dropped when empty",
		EnvVars: []string{"KAFKA_BROKERS"},
	},
	&cli.StringFlag{
		Name:    "kafka-topic",
		Value:   "billing-events",
		EnvVars: []string{"KAFKA_TOPIC"},
	},
	&cli.StringSliceFlag{
		Name:    "archive",
		Usage:   "journal archive URIs (file:///path, s3://bucket/prefix?region=...)",
		EnvVars: []string{"ARCHIVE_URIS"},
	},
	&cli.BoolFlag{
		Name:    "airdrop-enabled",
		Usage:   "allow devnet airdrops",
		EnvVars: []string{"AIRDROP_ENABLED"},
	},
)

// datastore is what both store implementations provide.
type datastore interface {
	interfaces.WalletStore
	interfaces.CheckpointStore
	interfaces.BillingRecordStore
	interfaces.UserDirectory
}

// devInstanceTypes are served by the in-memory provider.
var devInstanceTypes = []interfaces.InstanceType{
	{Name: "cpu_4x_general", Description: "4 vCPU", PriceCentsPerHour: 12, VCPUs: 4, MemoryGiB: 16, StorageGiB: 100, Regions: []string{"dev-local"}},
	{Name: "gpu_1x_a10", Description: "1x A10 (24 GB PCIe)", PriceCentsPerHour: 75, VCPUs: 30, MemoryGiB: 200, StorageGiB: 1400, GPUs: 1, Regions: []string{"dev-local"}},
}

func main() {
	if err := flags.LoadEnvFile(os.Args); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}

	app := &cli.App{
		Name:  "billingd",
		Usage: "Serve the custodial wallet and compute billing API",
		Flags: flagList,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx, cancel := context.WithCancel(cCtx.Context)
			defer cancel()

			kdf, err := cryptoutils.NewKeyDerivation(
				cryptoutils.KDFAlgorithm(cCtx.String("kdf-algorithm")),
				[]byte(cCtx.String("kdf-salt")),
				cCtx.Int("kdf-iterations"),
			)
			if err != nil {
				return fmt.Errorf("invalid key derivation settings: %w", err)
			}

			db, closeDB, err := openStore(ctx, cCtx, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			locker, closeLocker, err := openLocker(ctx, cCtx, logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			ledgerClient, treasury, err := openLedger(cCtx, kdf, logger)
			if err != nil {
				return err
			}

			collection := cCtx.String("collection-address")
			if collection == "" {
				key, err := treasury.TreasuryKey(ctx)
				if err != nil {
					return fmt.Errorf("collection address not set and treasury key unavailable: %w", err)
				}
				collection = key.PublicKey().String()
			}

			rates, err := openRateSource(cCtx, logger)
			if err != nil {
				return err
			}

			provisioner, err := openProvisioner(cCtx, logger)
			if err != nil {
				return err
			}

			events, closeEvents := openEvents(cCtx, logger)
			defer closeEvents()

			var archive interfaces.StorageBackend
			if uris := cCtx.StringSlice("archive"); len(uris) > 0 {
				locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
				for _, uri := range uris {
					locations = append(locations, interfaces.StorageBackendLocation(uri))
				}
				archive, err = storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
				if err != nil {
					return err
				}
			}

			wallets := wallet.NewService(db, db, kdf, cryptoutils.NewMnemonicVault(), ledgerClient, locker, wallet.ServiceConfig{
				AirdropEnabled: cCtx.Bool("airdrop-enabled"),
			}, logger)

			gate, err := billing.NewGate(billing.Dependencies{
				Wallets:     wallets,
				Users:       db,
				Checkpoints: db,
				Records:     db,
				Quoter:      pricing.NewConverter(rates, logger),
				Ledger:      ledgerClient,
				Provisioner: provisioner,
				Locker:      locker,
				Treasury:    treasury,
				Events:      events,
				Archive:     archive,
			}, billing.Config{
				CollectionAddress: collection,
				PendingExpiry:     cCtx.Duration("pending-expiry"),
			}, logger)
			if err != nil {
				return err
			}

			scheduler, err := billing.NewScheduler(gate, cCtx.Duration("sweep-interval"), logger)
			if err != nil {
				return err
			}

			auth, err := httpserver.NewAuthenticator([]byte(cCtx.String("jwt-secret")), db, logger)
			if err != nil {
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, httpserver.NewHandler(wallets, gate, logger), auth)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			scheduler.Start()
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Billing service running", "collection", collection)
			<-exit
			logger.Info("Shutdown signal received")

			server.Drain()
			server.Shutdown()
			if err := scheduler.Shutdown(); err != nil {
				logger.Error("Scheduler shutdown failed", "err", err)
			}
			logger.Info("Shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openStore(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (datastore, func(), error) {
	dsn := cCtx.String("database-url")
	if dsn == "memory" {
		logger.Warn("Using in-memory store; all data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.Connect(ctx, dsn, logger)
	if err != nil {
		return nil, nil, err
	}
	if cCtx.Bool("migrate") {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("Failed to close database", "err", err)
		}
	}, nil
}

func openLocker(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (interfaces.WalletLocker, func(), error) {
	addr := cCtx.String("redis-addr")
	if addr == "" {
		logger.Info("Using in-process wallet locks; run a single replica")
		return walletlock.NewLocal(), func() {}, nil
	}

	if cCtx.Duration("confirm-timeout") <= 0 {
		return nil, nil, errors.New("confirm-timeout must be positive")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cCtx.String("redis-password"),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	ttl, err := walletlock.LockTTL(cCtx.Duration("lock-ttl"),
		walletlock.HoldBound(cCtx.Duration("confirm-timeout"), rateTimeout, providerTimeout, providerTimeout))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info("Using Redis wallet locks", "ttl", ttl)
	return walletlock.NewRedis(client, ttl, 0, logger), func() { client.Close() }, nil
}

// openLedger returns the ledger and the treasury key source. The in-memory
// ledger gets a throwaway treasury funded with 1000 SOL.
func openLedger(cCtx *cli.Context, kdf *cryptoutils.KeyDerivation, logger *slog.Logger) (interfaces.Ledger, interfaces.TreasurySource, error) {
	endpoint := cCtx.String("solana-rpc")
	if endpoint == "memory" {
		logger.Warn("Using in-memory ledger; balances are not real")
		memLedger := ledger.NewMemoryLedger()
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		memLedger.Fund(key.PublicKey().String(), 1000*interfaces.LamportsPerSOL)
		return memLedger, secrets.NewStaticSource(key), nil
	}

	treasury, err := secrets.NewTreasurySource(cCtx.String("treasury"), kdf, logger)
	if err != nil {
		return nil, nil, err
	}
	client := ledger.NewClient(endpoint, ledger.ClientConfig{
		ConfirmTimeout: cCtx.Duration("confirm-timeout"),
	}, logger)
	return client, treasury, nil
}

func openRateSource(cCtx *cli.Context, logger *slog.Logger) (interfaces.RateSource, error) {
	if fixed := cCtx.String("fixed-rate"); fixed != "" {
		logger.Warn("Using fixed exchange rate", "usd_per_sol", fixed)
		source, err := pricing.NewFixedRateSource(fixed)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	source, err := pricing.NewHTTPRateSource(cCtx.String("rate-url"), cCtx.String("rate-api-key"), rateTimeout, logger)
	if err != nil {
		return nil, err
	}
	return source, nil
}

func openProvisioner(cCtx *cli.Context, logger *slog.Logger) (interfaces.Provisioner, error) {
	switch cCtx.String("provider") {
	case "memory":
		logger.Warn("Using in-memory provisioner; no instances are created")
		return provider.NewMemory(devInstanceTypes...), nil
	case "lambda":
		apiKey := cCtx.String("lambda-api-key")
		if apiKey == "" {
			return nil, errors.New("lambda-api-key is required for the lambda provider")
		}
		client, err := provider.NewLambdaClient(cCtx.String("lambda-url"), apiKey, providerTimeout, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cCtx.String("provider"))
	}
}

func openEvents(cCtx *cli.Context, logger *slog.Logger) (interfaces.EventPublisher, func()) {
	brokers := cCtx.StringSlice("kafka-brokers")
	if len(brokers) == 0 {
		return billing.NopPublisher{}, func() {}
	}
	publisher := billing.NewKafkaPublisher(billing.NewKafkaWriter(brokers, cCtx.String("kafka-topic"), logger), logger)
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Failed to close event publisher", "err", err)
		}
	}
}
