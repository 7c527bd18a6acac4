package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/convid/tunnel-broker/internal/accounts"
	"github.com/convid/tunnel-broker/internal/api/http/dto"
	"github.com/convid/tunnel-broker/internal/machines"
	"github.com/convid/tunnel-broker/internal/registration"
	"github.com/convid/tunnel-broker/internal/tunnel"
	"github.com/gin-gonic/gin"
)

type RegistrationService interface {
	Register(ctx context.Context, accountID string) (*registration.Result, error)
	GetOwned(ctx context.Context, accountID, machineID string) (machines.Machine, error)
	Resolve(ctx context.Context, machineID string) (*registration.ConnectionInfo, error)
	ExchangeCode(ctx context.Context, machineID, code string) (string, error)
}

type MachineHandler struct {
	service    RegistrationService
	baseDomain string
}

func NewMachineHandler(service RegistrationService, baseDomain string) *MachineHandler {
	return &MachineHandler{
		service:    service,
		baseDomain: baseDomain,
	}
}

func (h *MachineHandler) Register(ctx *gin.Context) {
	accountID := ctx.Param("accountId")

	result, err := h.service.Register(ctx.Request.Context(), accountID)
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"message": "No account found with ID: " + accountID})
		case errors.Is(err, tunnel.ErrPoolExhausted):
			slog.Error("Registration rejected: tunnel port pool exhausted", "account_id", accountID)
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "no tunnel ports available"})
		default:
			slog.Error("Failed to register machine", "account_id", accountID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"message": "Error to insert machine."})
		}
		return
	}

	m := result.Machine
	ctx.Header("Location", fmt.Sprintf("http://%s/account/%s/machine/%s", h.baseDomain, accountID, m.MachineID))
	ctx.JSON(http.StatusOK, dto.RegisterMachineResponse{
		MachineID:   m.MachineID,
		SSHHost:     m.SSHHost,
		SSHPort:     m.SSHPort,
		SSHUsername: m.SSHUsername,
		SSHPassword: m.SSHPassword,
		TunnelPort:  m.TunnelPort,
		TotpURL:     result.TOTPURL,
		Token:       result.Token,
	})
}

func (h *MachineHandler) GetOwned(ctx *gin.Context) {
	accountID := ctx.Param("accountId")
	machineID := ctx.Param("machineId")

	m, err := h.service.GetOwned(ctx.Request.Context(), accountID, machineID)
	if err != nil {
		if errors.Is(err, machines.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"message": "No machine found with ID: " + machineID})
			return
		}
		slog.Error("Failed to look up machine", "machine_id", machineID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	ctx.JSON(http.StatusOK, dto.MachineResponse{
		MachineID:  m.MachineID,
		AccountID:  m.Account.AccountID,
		SSHHost:    m.SSHHost,
		SSHPort:    m.SSHPort,
		TunnelPort: m.TunnelPort,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	})
}

func (h *MachineHandler) Resolve(ctx *gin.Context) {
	machineID := ctx.Param("machineId")

	info, err := h.service.Resolve(ctx.Request.Context(), machineID)
	if err != nil {
		if errors.Is(err, machines.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"message": "No machine found with ID: " + machineID})
			return
		}
		slog.Error("Failed to resolve machine", "machine_id", machineID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	m := info.Machine
	ctx.JSON(http.StatusOK, dto.ResolveMachineResponse{
		MachineID:    m.MachineID,
		SSHHost:      m.SSHHost,
		SSHPort:      m.SSHPort,
		SSHUsername:  m.SSHUsername,
		SSHPassword:  m.SSHPassword,
		TunnelPort:   m.TunnelPort,
		TotpRequired: info.TOTPRequired,
		Token:        info.Token,
	})
}

func (h *MachineHandler) ExchangeToken(ctx *gin.Context) {
	machineID := ctx.Param("machineId")

	var req dto.ExchangeTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokenString, err := h.service.ExchangeCode(ctx.Request.Context(), machineID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, machines.ErrNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"message": "No machine found with ID: " + machineID})
		case errors.Is(err, registration.ErrCodeInvalid):
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		default:
			slog.Error("Failed to exchange code", "machine_id", machineID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	ctx.JSON(http.StatusOK, dto.TokenResponse{Token: tokenString})
}
