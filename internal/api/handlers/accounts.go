package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/api/middleware"
	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/store"
)

// AccountStore is the account subset of store.Repository.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct domain.Account) error
	ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error)
}

// createAccountRequest is the POST /api/accounts body. Balances are derived
// by Load and cannot be set.
type createAccountRequest struct {
	ID       string `json:"id" validate:"omitempty,uuid"`
	Provider string `json:"provider" validate:"required,max=64"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

// AccountsHandler handles account endpoints.
type AccountsHandler struct {
	store    AccountStore
	validate *validator.Validate
	log      zerolog.Logger
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(st AccountStore, log zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{store: st, validate: validator.New(), log: log}
}

// ListAccounts handles GET /api/accounts
func (h *AccountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accounts, err := h.store.ListAccounts(ctx, middleware.OwnerFromContext(ctx))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list accounts")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// CreateAccount handles POST /api/accounts
func (h *AccountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	acct := domain.Account{
		ID:       req.ID,
		OwnerID:  middleware.OwnerFromContext(ctx),
		Provider: req.Provider,
		Currency: strings.ToUpper(req.Currency),
		Balance:  decimal.Zero,
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}

	err := h.store.CreateAccount(ctx, acct)
	if errors.Is(err, store.ErrAccountExists) {
		middleware.WriteError(w, http.StatusConflict, "Account already exists")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", acct.OwnerID).Msg("Failed to create account")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	h.log.Info().Str("account_id", acct.ID).Str("owner_id", acct.OwnerID).Msg("Account created")
	middleware.WriteJSON(w, http.StatusCreated, acct)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" ("+fe.Tag()+")")
	}
	return "Invalid fields: " + strings.Join(fields, ", ")
}
