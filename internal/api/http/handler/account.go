package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/convid/tunnel-broker/internal/accounts"
	"github.com/convid/tunnel-broker/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type AccountStore interface {
	Create(ctx context.Context, account accounts.Account) (accounts.Account, error)
	List(ctx context.Context) ([]accounts.Account, error)
}

type AccountHandler struct {
	store AccountStore
}

func NewAccountHandler(store AccountStore) *AccountHandler {
	return &AccountHandler{store: store}
}

// Create inserts one account, or several when the body is a JSON array.
func (h *AccountHandler) Create(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var reqs []dto.AccountRequest
	if bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("[")) {
		err = json.Unmarshal(body, &reqs)
	} else {
		var single dto.AccountRequest
		err = json.Unmarshal(body, &single)
		reqs = []dto.AccountRequest{single}
	}
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, req := range reqs {
		if req.AccountID == "" || req.Email == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "accountId and email are required"})
			return
		}
	}

	created := make([]dto.AccountResponse, 0, len(reqs))
	for _, req := range reqs {
		account, err := h.store.Create(ctx.Request.Context(), accounts.Account{
			AccountID: req.AccountID,
			Email:     req.Email,
		})
		if err != nil {
			if errors.Is(err, accounts.ErrDuplicate) {
				ctx.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
				return
			}
			slog.Error("Failed to insert account", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"message": "Error to insert account."})
			return
		}
		created = append(created, toAccountResponse(account))
	}

	ctx.JSON(http.StatusOK, created)
}

func (h *AccountHandler) List(ctx *gin.Context) {
	result, err := h.store.List(ctx.Request.Context())
	if err != nil {
		slog.Error("Failed to list accounts", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"message": "Error to list account."})
		return
	}

	resp := make([]dto.AccountResponse, len(result))
	for i, account := range result {
		resp[i] = toAccountResponse(account)
	}
	ctx.JSON(http.StatusOK, resp)
}

func toAccountResponse(account accounts.Account) dto.AccountResponse {
	return dto.AccountResponse{
		AccountID: account.AccountID,
		Email:     account.Email,
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
	}
}
