package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/metrics"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
)

// RPC is the subset of the Solana JSON-RPC client used by Client.
// *rpc.Client satisfies it.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64, commitment rpc.CommitmentType) (solana.Signature, error)
}

// ClientConfig configures a ledger Client.
type ClientConfig struct {
	// Commitment used for balance reads and preflight. Defaults to confirmed.
	Commitment     rpc.CommitmentType
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client implements interfaces.Ledger on a Solana cluster.
type Client struct {
	rpc            RPC
	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
}

// NewClient creates a ledger client for the cluster at endpoint.
func NewClient(endpoint string, cfg ClientConfig, log *slog.Logger) *Client {
	return NewClientWithRPC(rpc.New(endpoint), cfg, log)
}

// NewClientWithRPC creates a ledger client on an existing RPC connection.
func NewClientWithRPC(r RPC, cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Client{
		rpc:            r,
		commitment:     cfg.Commitment,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		log:            log,
	}
}

// GetBalance returns the balance of address in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (interfaces.Lamports, error) {
	account, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}

	defer metrics.ObserveLedger("get_balance", time.Now())
	res, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		c.log.Error("Failed to get balance", "err", err, slog.String("address", address))
		return 0, fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
	}
	return interfaces.Lamports(res.Value), nil
}

// Transfer moves amount lamports from signer to to. Inputs are validated
// before any RPC. The transaction is submitted once and then polled until it
// is confirmed, fails, or the confirmation timeout elapses. On timeout the
// returned Confirmation is pending and the error is ErrRpcTimeout.
func (c *Client) Transfer(ctx context.Context, signer solana.PrivateKey, to string, amount interfaces.Lamports) (*interfaces.Confirmation, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", interfaces.ErrValidation)
	}
	if len(signer) != 64 {
		return nil, fmt.Errorf("%w: invalid signing key", interfaces.ErrValidation)
	}
	recipient, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}
	from := signer.PublicKey()
	if from.Equals(recipient) {
		return nil, fmt.Errorf("%w: sender and recipient are the same account", interfaces.ErrValidation)
	}

	start := time.Now()
	defer metrics.ObserveLedger("transfer", start)

	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		c.log.Error("Failed to fetch latest blockhash", "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(uint64(amount), from, recipient).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transfer: %w", err)
	}

	// The signature identifies the transaction before submission.
	signature := tx.Signatures[0]
	confirmation := &interfaces.Confirmation{
		Signature: signature.String(),
		Status:    interfaces.TransferPending,
		Amount:    amount,
	}

	log := c.log.With(
		slog.String("signature", confirmation.Signature),
		slog.String("from", from.String()),
		slog.String("to", to),
		slog.Uint64("lamports", uint64(amount)))

	if _, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	}); err != nil {
		if isInsufficientFunds(err) {
			log.Info("Transfer rejected for insufficient funds")
			metrics.LedgerTransfers.WithLabelValues("insufficient_funds").Inc()
			confirmation.Status = interfaces.TransferFailed
			return confirmation, fmt.Errorf("%w: %v", interfaces.ErrInsufficientLedgerFunds, err)
		}
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			log.Warn("Transfer rejected by ledger", "err", err)
			metrics.LedgerTransfers.WithLabelValues("rejected").Inc()
			confirmation.Status = interfaces.TransferFailed
			return confirmation, fmt.Errorf("%w: %v", interfaces.ErrTransferRejected, err)
		}
		// Transport failure: the transaction may still have been received.
		log.Warn("Transfer submission outcome unknown", "err", err)
		metrics.LedgerTransfers.WithLabelValues("unknown").Inc()
		return confirmation, fmt.Errorf("%w: submission: %v", interfaces.ErrRpcTimeout, err)
	}

	status, err := c.awaitConfirmation(ctx, signature)
	confirmation.Status = status
	switch {
	case err != nil:
		log.Warn("Transfer confirmation not observed", "err", err, slog.Duration("duration", time.Since(start)))
		metrics.LedgerTransfers.WithLabelValues("timeout").Inc()
		return confirmation, err
	case status == interfaces.TransferFailed:
		log.Warn("Transfer failed on ledger")
		metrics.LedgerTransfers.WithLabelValues("rejected").Inc()
		return confirmation, fmt.Errorf("%w: transaction %s failed", interfaces.ErrTransferRejected, confirmation.Signature)
	}

	log.Info("Transfer confirmed", slog.Duration("duration", time.Since(start)))
	metrics.LedgerTransfers.WithLabelValues("confirmed").Inc()
	return confirmation, nil
}

func (c *Client) awaitConfirmation(ctx context.Context, signature solana.Signature) (interfaces.TransferStatus, error) {
	deadline := time.NewTimer(c.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.status(ctx, signature)
		if err != nil {
			c.log.Debug("Signature status poll failed", "err", err, slog.String("signature", signature.String()))
		} else if status == interfaces.TransferConfirmed || status == interfaces.TransferFailed {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return interfaces.TransferPending, fmt.Errorf("%w: %v", interfaces.ErrRpcTimeout, ctx.Err())
		case <-deadline.C:
			return interfaces.TransferPending, fmt.Errorf("%w: no confirmation after %s", interfaces.ErrRpcTimeout, c.confirmTimeout)
		case <-ticker.C:
		}
	}
}

// Status reports the current state of a submitted transfer.
func (c *Client) Status(ctx context.Context, signature string) (interfaces.TransferStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return "", fmt.Errorf("%w: invalid signature", interfaces.ErrValidation)
	}
	defer metrics.ObserveLedger("status", time.Now())
	return c.status(ctx, sig)
}

func (c *Client) status(ctx context.Context, sig solana.Signature) (interfaces.TransferStatus, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return interfaces.TransferUnknown, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return interfaces.TransferFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return interfaces.TransferConfirmed, nil
	default:
		return interfaces.TransferPending, nil
	}
}

// RequestAirdrop asks a development cluster faucet to fund address.
func (c *Client) RequestAirdrop(ctx context.Context, address string, amount interfaces.Lamports) (string, error) {
	if amount == 0 {
		return "", fmt.Errorf("%w: airdrop amount must be positive", interfaces.ErrValidation)
	}
	account, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	defer metrics.ObserveLedger("airdrop", time.Now())
	sig, err := c.rpc.RequestAirdrop(ctx, account, uint64(amount), c.commitment)
	if err != nil {
		c.log.Error("Airdrop request failed", "err", err, slog.String("address", address))
		return "", fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
	}
	return sig.String(), nil
}

// ParseAddress validates a base58 Solana account address.
func ParseAddress(address string) (solana.PublicKey, error) {
	if address == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty address", interfaces.ErrValidation)
	}
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: invalid address", interfaces.ErrValidation)
	}
	return pk, nil
}

var insufficientFundsMarkers = []string{
	"insufficient lamports",
	"insufficient funds",
	"no record of a prior credit",
	"custom program error: 0x1",
}

func isInsufficientFunds(err error) bool {
	text := strings.ToLower(err.Error())
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Data != nil {
		text += " " + strings.ToLower(fmt.Sprint(rpcErr.Data))
	}
	for _, marker := range insufficientFundsMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
