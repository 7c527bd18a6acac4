package tests

import (
	"encoding/json"
	"net/http"
	"regexp"
	"testing"

	"github.com/convid/tunnel-broker/internal/api/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var machineIDPattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{4}$`)

// TestRegistration drives the registration workflow end to end against a
// pool of exactly three ports (3000-3002): three registrations succeed with
// distinct ports, the fourth is rejected.
func TestRegistration(t *testing.T, router *gin.Engine) {
	// Owner account for the scenario.
	rr := doJSON(router, "POST", "/account", dto.AccountRequest{
		AccountID: "reg-acc", Email: "reg-acc@example.com",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	t.Run("unknown account", func(t *testing.T) {
		rr := doJSON(router, "POST", "/account/missing-acc/machine", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, rr.Body.String(), "No account found with ID: missing-acc")
	})

	var registered []dto.RegisterMachineResponse

	t.Run("allocates distinct ports", func(t *testing.T) {
		seen := make(map[int]bool)
		for i := 0; i < 3; i++ {
			rr := doJSON(router, "POST", "/account/reg-acc/machine", nil)
			require.Equal(t, http.StatusOK, rr.Code)

			var resp dto.RegisterMachineResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

			assert.Regexp(t, machineIDPattern, resp.MachineID)
			assert.GreaterOrEqual(t, resp.TunnelPort, 3000)
			assert.LessOrEqual(t, resp.TunnelPort, 3002)
			assert.False(t, seen[resp.TunnelPort], "port %d allocated twice", resp.TunnelPort)
			seen[resp.TunnelPort] = true

			assert.NotEmpty(t, resp.Token)
			assert.Equal(t, "http://broker.test/account/reg-acc/machine/"+resp.MachineID,
				rr.Header().Get("Location"))

			registered = append(registered, resp)
		}
	})

	t.Run("pool exhausted", func(t *testing.T) {
		rr := doJSON(router, "POST", "/account/reg-acc/machine", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("ownership check", func(t *testing.T) {
		require.NotEmpty(t, registered)
		machineID := registered[0].MachineID

		rr := doJSON(router, "GET", "/account/reg-acc/machine/"+machineID, nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = doJSON(router, "GET", "/account/acc-1/machine/"+machineID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("resolve issues token", func(t *testing.T) {
		require.NotEmpty(t, registered)
		machineID := registered[0].MachineID

		rr := doJSON(router, "GET", "/machine/"+machineID, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ResolveMachineResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.TotpRequired)
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, registered[0].TunnelPort, resp.TunnelPort)
	})

	t.Run("resolve unknown machine", func(t *testing.T) {
		rr := doJSON(router, "GET", "/machine/ZZZ0000", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
