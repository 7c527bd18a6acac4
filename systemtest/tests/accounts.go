package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/convid/tunnel-broker/internal/api/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccounts(t *testing.T, router *gin.Engine) {
	t.Run("create", func(t *testing.T) {
		body := dto.AccountRequest{AccountID: "acc-1", Email: "acc-1@example.com"}
		rr := doJSON(router, "POST", "/account", body)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("create batch", func(t *testing.T) {
		body := []dto.AccountRequest{
			{AccountID: "acc-2", Email: "acc-2@example.com"},
			{AccountID: "acc-3", Email: "acc-3@example.com"},
		}
		rr := doJSON(router, "POST", "/account", body)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		body := dto.AccountRequest{AccountID: "acc-1", Email: "acc-1@example.com"}
		rr := doJSON(router, "POST", "/account", body)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("list", func(t *testing.T) {
		rr := doJSON(router, "GET", "/account", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp []dto.AccountResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, len(resp), 3)
	})
}
