package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/compute-wallet-billing/billing"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/wallet"
)

// maxBodySize is the maximum accepted request body (64KiB).
const maxBodySize = 64 * 1024

// WalletAPI is the subset of wallet.Service served over HTTP.
type WalletAPI interface {
	Create(ctx context.Context, id interfaces.Identity) (*interfaces.WalletAccount, error)
	Get(ctx context.Context, owner interfaces.UserID) (*interfaces.WalletAccount, error)
	Balance(ctx context.Context, owner interfaces.UserID) (*wallet.Balance, error)
	GetDecryptedMnemonic(ctx context.Context, id interfaces.Identity) (string, error)
	Withdraw(ctx context.Context, id interfaces.Identity, to string, amount interfaces.Lamports) (*interfaces.Confirmation, error)
	Airdrop(ctx context.Context, owner interfaces.UserID, amount interfaces.Lamports) (string, error)
	TransferStatus(ctx context.Context, signature string) (interfaces.TransferStatus, error)
}

// BillingAPI is the subset of billing.Gate served over HTTP.
type BillingAPI interface {
	InstanceTypes(ctx context.Context) ([]interfaces.InstanceType, error)
	Launch(ctx context.Context, id interfaces.Identity, spec interfaces.LaunchSpec) (*interfaces.BillingCheckpoint, error)
	Terminate(ctx context.Context, id interfaces.Identity, resourceIDs []string) error
	ListInstances(ctx context.Context, owner interfaces.UserID) ([]billing.InstanceSummary, error)
	ListReconciliation(ctx context.Context) ([]*interfaces.BillingRecord, error)
	RetryRefund(ctx context.Context, id string) (*interfaces.BillingRecord, error)
	ResolveReconciliation(ctx context.Context, id string, outcome interfaces.BillingPhase, note string) (*interfaces.BillingRecord, error)
	Deposit(ctx context.Context, owner interfaces.UserID, amount interfaces.Lamports) (*interfaces.BillingRecord, error)
}

// Handler serves the wallet, instance and admin endpoints. Every
// error is rendered through interfaces.PublicError; internal error text is
// logged only.
type Handler struct {
	wallets WalletAPI
	billing BillingAPI
	log     *slog.Logger
}

func NewHandler(wallets WalletAPI, billing BillingAPI, log *slog.Logger) *Handler {
	return &Handler{wallets: wallets, billing: billing, log: log}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"`
}

type walletView struct {
	OwnerID   interfaces.UserID `json:"owner_id"`
	PublicKey string            `json:"public_key"`
	CreatedAt time.Time         `json:"created_at"`
}

type checkpointView struct {
	ID              string                    `json:"id"`
	InstanceType    string                    `json:"instance_type"`
	Region          string                    `json:"region"`
	Name            string                    `json:"name,omitempty"`
	Status          interfaces.ResourceStatus `json:"status"`
	HourlyCostCents int64                     `json:"hourly_cost_cents"`
	PaidUntil       time.Time                 `json:"paid_until"`
	LaunchedAt      time.Time                 `json:"launched_at"`
}

// Amounts are given either in lamports or as a decimal SOL string.
type withdrawRequest struct {
	To             string              `json:"to"`
	AmountLamports interfaces.Lamports `json:"amount_lamports"`
	AmountSOL      string              `json:"amount_sol,omitempty"`
}

type airdropRequest struct {
	AmountLamports interfaces.Lamports `json:"amount_lamports"`
	AmountSOL      string              `json:"amount_sol,omitempty"`
}

type depositRequest struct {
	AmountLamports interfaces.Lamports `json:"amount_lamports"`
	AmountSOL      string              `json:"amount_sol,omitempty"`
}

func parseAmount(lamports interfaces.Lamports, sol string) (interfaces.Lamports, error) {
	if sol == "" {
		return lamports, nil
	}
	if lamports != 0 {
		return 0, fmt.Errorf("%w: set either amount_lamports or amount_sol", interfaces.ErrValidation)
	}
	return interfaces.ParseSOL(sol)
}

type terminateRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

type resolveRequest struct {
	Outcome interfaces.BillingPhase `json:"outcome"`
	Note    string                  `json:"note"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, signature string) {
	info := interfaces.PublicError(err)
	if info.Status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "path", r.URL.Path, "err", err)
	} else {
		h.log.Debug("Request rejected", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, info.Status, errorBody{Code: info.Code, Message: info.Message, Signature: signature})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(interfaces.ErrValidation, err)
	}
	return nil
}

func caller(r *http.Request) interfaces.Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

// HandleCreateWallet creates the caller's wallet, or returns the existing one.
func (h *Handler) HandleCreateWallet(w http.ResponseWriter, r *http.Request) {
	account, err := h.wallets.Create(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, walletView{OwnerID: account.OwnerID, PublicKey: account.PublicKey, CreatedAt: account.CreatedAt})
}

func (h *Handler) HandleGetWallet(w http.ResponseWriter, r *http.Request) {
	account, err := h.wallets.Get(r.Context(), caller(r).UserID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, walletView{OwnerID: account.OwnerID, PublicKey: account.PublicKey, CreatedAt: account.CreatedAt})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.wallets.Balance(r.Context(), caller(r).UserID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// HandleMnemonic reveals the recovery phrase. The response must not be cached.
func (h *Handler) HandleMnemonic(w http.ResponseWriter, r *http.Request) {
	mnemonic, err := h.wallets.GetDecryptedMnemonic(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"mnemonic": mnemonic})
}

// HandleWithdraw answers 202 with the signature when confirmation is
// outstanding. Clients must poll the signature instead of retrying.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}

	amount, err := parseAmount(req.AmountLamports, req.AmountSOL)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	confirmation, err := h.wallets.Withdraw(r.Context(), caller(r), req.To, amount)
	if err != nil {
		signature := ""
		if confirmation != nil {
			signature = confirmation.Signature
		}
		h.writeError(w, r, err, signature)
		return
	}
	writeJSON(w, http.StatusOK, confirmation)
}

func (h *Handler) HandleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	amount, err := parseAmount(req.AmountLamports, req.AmountSOL)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	signature, err := h.wallets.Airdrop(r.Context(), caller(r).UserID, amount)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": signature})
}

func (h *Handler) HandleTransferStatus(w http.ResponseWriter, r *http.Request) {
	signature := chi.URLParam(r, "signature")
	status, err := h.wallets.TransferStatus(r.Context(), signature)
	if err != nil {
		h.writeError(w, r, err, signature)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": signature, "status": string(status)})
}

func (h *Handler) HandleInstanceTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.billing.InstanceTypes(r.Context())
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": types})
}

// HandleLaunch charges the first hour and provisions the instance.
func (h *Handler) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	var spec interfaces.LaunchSpec
	if err := decodeBody(w, r, &spec); err != nil {
		h.writeError(w, r, err, "")
		return
	}

	cp, err := h.billing.Launch(r.Context(), caller(r), spec)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, checkpointView{
		ID:              cp.ResourceID,
		InstanceType:    cp.InstanceType,
		Region:          cp.Region,
		Name:            cp.Name,
		Status:          cp.Status,
		HourlyCostCents: cp.HourlyCostCents,
		PaidUntil:       cp.LastBilledAt,
		LaunchedAt:      cp.LaunchedAt,
	})
}

func (h *Handler) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.billing.ListInstances(r.Context(), caller(r).UserID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if instances == nil {
		instances = []billing.InstanceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": instances})
}

func (h *Handler) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if err := h.billing.Terminate(r.Context(), caller(r), req.InstanceIDs); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": req.InstanceIDs})
}

// Reconciliation endpoints return full records; they are admin only.

func (h *Handler) HandleListReconciliation(w http.ResponseWriter, r *http.Request) {
	records, err := h.billing.ListReconciliation(r.Context())
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	if records == nil {
		records = []*interfaces.BillingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (h *Handler) HandleRetryRefund(w http.ResponseWriter, r *http.Request) {
	record, err := h.billing.RetryRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) HandleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	record, err := h.billing.ResolveReconciliation(r.Context(), chi.URLParam(r, "id"), req.Outcome, req.Note)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}
	h.log.Info("Reconciliation resolved", "record", record.ID, "outcome", record.Phase, "operator", caller(r).UserID)
	writeJSON(w, http.StatusOK, record)
}

// HandleDeposit tops up a user wallet from the treasury. Like withdrawals, a
// deposit awaiting confirmation answers 202 with its signature.
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, "")
		return
	}
	amount, err := parseAmount(req.AmountLamports, req.AmountSOL)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	owner := interfaces.UserID(chi.URLParam(r, "userID"))
	record, err := h.billing.Deposit(r.Context(), owner, amount)
	if err != nil {
		signature := ""
		if record != nil {
			signature = record.Signature
		}
		h.writeError(w, r, err, signature)
		return
	}
	h.log.Info("Deposit made", "record", record.ID, "uid", owner, "amount", amount.String(), "operator", caller(r).UserID)
	writeJSON(w, http.StatusOK, record)
}
