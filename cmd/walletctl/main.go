package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/compute-wallet-billing/api/clients"
	"github.com/ruteri/compute-wallet-billing/cmd/flags"
	"github.com/ruteri/compute-wallet-billing/common"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/httpserver"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/secrets"
	"github.com/urfave/cli/v2"
)

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "Billing service address",
	EnvVars: []string{"BILLING_SERVER"},
}

var flagToken = &cli.StringFlag{
	Name:    "token",
	Usage:   "Admin bearer token; minted from --jwt-secret when empty",
	EnvVars: []string{"ADMIN_TOKEN"},
}

var flagJWTSecret = &cli.StringFlag{
	Name:    "jwt-secret",
	Usage:   "HS256 secret of the billing service",
	EnvVars: []string{"JWT_SECRET"},
}

var flagKDFSalt = &cli.StringFlag{
	Name:    "kdf-salt",
	Usage:   "Shared salt of the billing service",
	EnvVars: []string{"KDF_SALT"},
}

var flagKDFIterations = &cli.IntFlag{
	Name:    "kdf-iterations",
	Value:   cryptoutils.DefaultPBKDF2Iterations,
	EnvVars: []string{"KDF_ITERATIONS"},
}

var flagKeyFile = &cli.StringFlag{
	Name:     "key-file",
	Usage:    "Sealed treasury key file",
	Required: true,
}

var flagPassphraseEnv = &cli.StringFlag{
	Name:  "passphrase-env",
	Value: "TREASURY_PASSPHRASE",
	Usage: "Environment variable holding the key file passphrase",
}

func main() {
	if err := flags.LoadEnvFile(os.Args); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}

	app := &cli.App{
		Name:    "walletctl",
		Usage:   "Operate the billing service",
		Version: common.Version,
		Flags:   []cli.Flag{flags.EnvFileFlag},
		Commands: []*cli.Command{
			{
				Name:  "reconcile",
				Usage: "Inspect and settle billing records awaiting operator action",
				Flags: []cli.Flag{flagServer, flagToken, flagJWTSecret},
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List records in the reconcile phase",
						Action: listReconciliation,
					},
					{
						Name:      "retry",
						Usage:     "Retry the refund of a record",
						ArgsUsage: "<record-id>",
						Action:    retryRefund,
					},
					{
						Name:      "resolve",
						Usage:     "Close a record settled out of band",
						ArgsUsage: "<record-id>",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "outcome",
								Value: string(interfaces.PhaseRefunded),
								Usage: "refunded or committed",
							},
							&cli.StringFlag{
								Name:     "note",
								Usage:    "Reason recorded on the record",
								Required: true,
							},
						},
						Action: resolveReconciliation,
					},
				},
			},
			{
				Name:      "deposit",
				Usage:     "Top up a user wallet from the treasury",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					flagServer, flagToken, flagJWTSecret,
					&cli.StringFlag{
						Name:     "amount",
						Usage:    "Amount in SOL, e.g. 0.25",
						Required: true,
					},
				},
				Action: deposit,
			},
			{
				Name:  "token",
				Usage: "Mint an API token",
				Flags: []cli.Flag{
					flagJWTSecret,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "email"},
					&cli.BoolFlag{Name: "admin", Usage: "Grant the admin role"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: mintToken,
			},
			{
				Name:  "treasury",
				Usage: "Manage the treasury key",
				Subcommands: []*cli.Command{
					{
						Name:   "new",
						Usage:  "Generate a treasury keypair and print the base58 secret key",
						Action: newTreasuryKey,
					},
					{
						Name:   "seal",
						Usage:  "Encrypt the base58 key in TREASURY_PRIVATE_KEY into a key file",
						Flags:  []cli.Flag{flagKeyFile, flagPassphraseEnv, flagKDFSalt, flagKDFIterations},
						Action: sealTreasuryKey,
					},
					{
						Name:   "show",
						Usage:  "Print the public key of a sealed key file",
						Flags:  []cli.Flag{flagKeyFile, flagPassphraseEnv, flagKDFSalt, flagKDFIterations},
						Action: showTreasuryKey,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	token := cCtx.String("token")
	if token == "" {
		secret := cCtx.String("jwt-secret")
		if secret == "" {
			return nil, errors.New("either --token or --jwt-secret is required")
		}
		auth, err := httpserver.NewAuthenticator([]byte(secret), nil, nil)
		if err != nil {
			return nil, err
		}
		token, err = auth.IssueToken(interfaces.Identity{UserID: "walletctl"}, httpserver.RoleAdmin, 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("failed to mint admin token: %w", err)
		}
	}
	return clients.NewAdminClient(cCtx.String("server"), token), nil
}

func listReconciliation(cCtx *cli.Context) error {
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}
	records, err := client.ListReconciliation(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func retryRefund(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return errors.New("record id is required")
	}
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}
	record, err := client.RetryRefund(cCtx.Context, id)
	if err != nil {
		return err
	}
	return printJSON(record)
}

func resolveReconciliation(cCtx *cli.Context) error {
	id := cCtx.Args().First()
	if id == "" {
		return errors.New("record id is required")
	}
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}
	record, err := client.ResolveReconciliation(cCtx.Context, id, interfaces.BillingPhase(cCtx.String("outcome")), cCtx.String("note"))
	if err != nil {
		return err
	}
	return printJSON(record)
}

func deposit(cCtx *cli.Context) error {
	owner := cCtx.Args().First()
	if owner == "" {
		return errors.New("user id is required")
	}
	amount, err := interfaces.ParseSOL(cCtx.String("amount"))
	if err != nil {
		return err
	}
	client, err := adminClient(cCtx)
	if err != nil {
		return err
	}
	record, err := client.Deposit(cCtx.Context, interfaces.UserID(owner), amount.SOL().String())
	if err != nil {
		return err
	}
	return printJSON(record)
}

func mintToken(cCtx *cli.Context) error {
	auth, err := httpserver.NewAuthenticator([]byte(cCtx.String("jwt-secret")), nil, nil)
	if err != nil {
		return err
	}
	role := ""
	if cCtx.Bool("admin") {
		role = httpserver.RoleAdmin
	}
	token, err := auth.IssueToken(interfaces.Identity{
		UserID: interfaces.UserID(cCtx.String("user-id")),
		Email:  cCtx.String("email"),
	}, role, cCtx.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newTreasuryKey(cCtx *cli.Context) error {
	kp, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "public key: %s\n", kp.PublicKey)
	fmt.Println(cryptoutils.EncodePrivateKey(kp.PrivateKey))
	return nil
}

func keyFileParams(cCtx *cli.Context) (*cryptoutils.KeyDerivation, string, error) {
	passphrase := os.Getenv(cCtx.String("passphrase-env"))
	if passphrase == "" {
		return nil, "", fmt.Errorf("%s is not set", cCtx.String("passphrase-env"))
	}
	kdf, err := cryptoutils.NewKeyDerivation(cryptoutils.KDFPBKDF2, []byte(cCtx.String("kdf-salt")), cCtx.Int("kdf-iterations"))
	if err != nil {
		return nil, "", err
	}
	return kdf, passphrase, nil
}

func sealTreasuryKey(cCtx *cli.Context) error {
	kdf, passphrase, err := keyFileParams(cCtx)
	if err != nil {
		return err
	}
	key, err := secrets.NewEnvSource("TREASURY_PRIVATE_KEY").TreasuryKey(cCtx.Context)
	if err != nil {
		return err
	}
	if err := secrets.SealKeyFile(cCtx.String("key-file"), key, passphrase, kdf); err != nil {
		return err
	}
	fmt.Printf("sealed treasury key %s into %s\n", key.PublicKey(), cCtx.String("key-file"))
	return nil
}

func showTreasuryKey(cCtx *cli.Context) error {
	kdf, passphrase, err := keyFileParams(cCtx)
	if err != nil {
		return err
	}
	key, err := secrets.NewFileSource(cCtx.String("key-file"), passphrase, kdf).TreasuryKey(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(key.PublicKey())
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
