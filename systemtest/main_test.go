package systemtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/convid/tunnel-broker/internal/accounts"
	internalhttp "github.com/convid/tunnel-broker/internal/api/http"
	"github.com/convid/tunnel-broker/internal/db"
	"github.com/convid/tunnel-broker/internal/machines"
	"github.com/convid/tunnel-broker/internal/metrics"
	"github.com/convid/tunnel-broker/internal/registration"
	"github.com/convid/tunnel-broker/internal/token"
	"github.com/convid/tunnel-broker/internal/tunnel"
	"github.com/convid/tunnel-broker/systemtest/postgres"
	"github.com/convid/tunnel-broker/systemtest/tests"
)

func testTokenIssuer(t *testing.T) *token.Issuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	issuer, err := token.NewIssuerFromPEM(token.Config{
		Issuer:    "convid-systemtest",
		Audience:  "http://broker.test",
		Expiry:    time.Hour,
		Algorithm: "RS512",
	}, privPEM, pubPEM)
	require.NoError(t, err)
	return issuer
}

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "convid", "convid", "convid")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = postgres.TerminatePostgres(context.Background(), container)
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL, "public"))

	pool, err := db.InitDB(ctx, dbURL, "public")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	allocator, err := tunnel.NewAllocator(3000, 3002)
	require.NoError(t, err)

	accountStore := accounts.NewStore(pool)
	machineStore := machines.NewStore(pool)

	registrationService := registration.NewService(accountStore, machineStore, allocator, testTokenIssuer(t), registration.Config{
		SSHHost:         "ssh.broker.test",
		SSHPort:         22,
		SSHPortInternal: 2222,
	})

	registry := prometheus.NewRegistry()
	appMetrics := metrics.New(registry)

	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Accounts:     accountStore,
		Registration: registrationService,
		Metrics:      appMetrics,
		Registry:     registry,
	}, internalhttp.Config{BaseDomain: "broker.test"})

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, engine) })
	t.Run("Accounts", func(t *testing.T) { tests.TestAccounts(t, engine) })
	t.Run("Registration", func(t *testing.T) { tests.TestRegistration(t, engine) })
	t.Run("Metrics", func(t *testing.T) { tests.TestMetricsEndpoint(t, engine) })
}
