package registration

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	otptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convid/tunnel-broker/internal/accounts"
	"github.com/convid/tunnel-broker/internal/machines"
	"github.com/convid/tunnel-broker/internal/totp"
	"github.com/convid/tunnel-broker/internal/tunnel"
)

var machineIDPattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{4}$`)

type fakeAccountStore struct {
	byID map[string]accounts.Account
}

func (f *fakeAccountStore) GetByAccountID(_ context.Context, accountID string) (accounts.Account, error) {
	if a, ok := f.byID[accountID]; ok {
		return a, nil
	}
	return accounts.Account{}, accounts.ErrNotFound
}

// fakeMachineStore enforces tunnel port uniqueness the way the real store's
// unique index does, and can inject a one-shot port conflict.
type fakeMachineStore struct {
	mu           sync.Mutex
	byID         map[string]machines.Machine
	usedPorts    map[int]bool
	conflictOnce bool
	conflicted   int
	insertErr    error
}

func newFakeMachineStore() *fakeMachineStore {
	return &fakeMachineStore{
		byID:      make(map[string]machines.Machine),
		usedPorts: make(map[int]bool),
	}
}

func (f *fakeMachineStore) Insert(_ context.Context, m machines.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}
	if f.conflictOnce {
		f.conflictOnce = false
		f.conflicted = m.TunnelPort
		return machines.ErrPortConflict
	}
	if f.usedPorts[m.TunnelPort] {
		return machines.ErrPortConflict
	}
	f.usedPorts[m.TunnelPort] = true
	f.byID[m.MachineID] = m
	return nil
}

func (f *fakeMachineStore) GetByMachineID(_ context.Context, machineID string) (machines.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.byID[machineID]; ok {
		return m, nil
	}
	return machines.Machine{}, machines.ErrNotFound
}

func (f *fakeMachineStore) ListTunnelPorts(_ context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ports []int
	for p := range f.usedPorts {
		ports = append(ports, p)
	}
	return ports, nil
}

type stubTokenIssuer struct{}

func (stubTokenIssuer) Issue(_, machineID, _, _ string) (string, error) {
	return "token-" + machineID, nil
}

func newTestService(t *testing.T, lo, hi int, cfg Config) (*Service, *fakeMachineStore, *tunnel.Allocator) {
	t.Helper()

	allocator, err := tunnel.NewAllocator(lo, hi)
	require.NoError(t, err)

	accountStore := &fakeAccountStore{byID: map[string]accounts.Account{
		"acc-1": {AccountID: "acc-1", Email: "acc-1@example.com"},
	}}
	machineStore := newFakeMachineStore()

	if cfg.SSHHost == "" {
		cfg.SSHHost = "ssh.example.com"
		cfg.SSHPort = 22
		cfg.SSHPortInternal = 2222
	}

	return NewService(accountStore, machineStore, allocator, stubTokenIssuer{}, cfg), machineStore, allocator
}

func TestRegisterSequentialScenario(t *testing.T) {
	svc, store, allocator := newTestService(t, 3000, 3002, Config{})

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		result, err := svc.Register(context.Background(), "acc-1")
		require.NoError(t, err)

		m := result.Machine
		assert.Regexp(t, machineIDPattern, m.MachineID)
		assert.Equal(t, m.MachineID, m.SSHUsername)
		assert.NotEmpty(t, m.SSHPassword)
		assert.Equal(t, "acc-1", m.Account.AccountID)
		assert.Equal(t, "acc-1@example.com", m.Account.Email)
		assert.Equal(t, "ssh.example.com", m.SSHHost)
		assert.Equal(t, "token-"+m.MachineID, result.Token)
		assert.Empty(t, result.TOTPURL)

		assert.GreaterOrEqual(t, m.TunnelPort, 3000)
		assert.LessOrEqual(t, m.TunnelPort, 3002)
		assert.False(t, seen[m.TunnelPort], "port %d allocated twice", m.TunnelPort)
		seen[m.TunnelPort] = true
	}

	// Pool of capacity 3 is now consumed; the fourth registration fails and
	// persists nothing.
	_, err := svc.Register(context.Background(), "acc-1")
	require.ErrorIs(t, err, tunnel.ErrPoolExhausted)
	assert.Len(t, store.byID, 3)
	assert.Empty(t, allocator.InFlight())
}

func TestRegisterAccountNotFound(t *testing.T) {
	svc, store, allocator := newTestService(t, 3000, 3002, Config{})

	_, err := svc.Register(context.Background(), "acc-missing")
	require.ErrorIs(t, err, accounts.ErrNotFound)
	assert.Empty(t, store.byID)
	assert.Empty(t, allocator.InFlight())
}

func TestRegisterRetriesOnPortConflict(t *testing.T) {
	svc, store, allocator := newTestService(t, 3000, 3001, Config{})
	store.conflictOnce = true

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)

	// The conflicted port was excluded on retry.
	assert.NotEqual(t, store.conflicted, result.Machine.TunnelPort)
	assert.Len(t, store.byID, 1)
	assert.Empty(t, allocator.InFlight(), "reservations must be released on every path")
}

func TestRegisterPersistFailureReleasesReservation(t *testing.T) {
	svc, store, allocator := newTestService(t, 3000, 3002, Config{})
	store.insertErr = assert.AnError

	_, err := svc.Register(context.Background(), "acc-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, tunnel.ErrPoolExhausted)
	assert.Empty(t, store.byID)
	assert.Empty(t, allocator.InFlight())
}

func TestRegisterWithTOTPEnrollment(t *testing.T) {
	svc, store, _ := newTestService(t, 3000, 3002, Config{
		SSHHost:         "ssh.example.com",
		SSHPort:         22,
		SSHPortInternal: 2222,
		TOTPRequired:    true,
		TOTPIssuer:      "convid",
	})

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)

	assert.Len(t, result.Machine.TOTPSecret, 32)
	assert.Contains(t, result.TOTPURL, "data:image/png;base64,")

	stored := store.byID[result.Machine.MachineID]
	assert.Equal(t, result.Machine.TOTPSecret, stored.TOTPSecret)
}

func TestRegisterConcurrent(t *testing.T) {
	const n = 16
	svc, store, allocator := newTestService(t, 3000, 3015, Config{}) // capacity == n

	var wg sync.WaitGroup
	results := make(chan *Result, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Register(context.Background(), "acc-1")
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}

	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected registration error: %v", err)
	}

	seen := make(map[int]bool)
	for result := range results {
		port := result.Machine.TunnelPort
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	assert.Equal(t, n, len(seen))
	assert.Len(t, store.byID, n)
	assert.Empty(t, allocator.InFlight())
}

func TestGetOwned(t *testing.T) {
	svc, _, _ := newTestService(t, 3000, 3002, Config{})

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)

	machine, err := svc.GetOwned(context.Background(), "acc-1", result.Machine.MachineID)
	require.NoError(t, err)
	assert.Equal(t, result.Machine.MachineID, machine.MachineID)

	// Wrong owner reads as not found.
	_, err = svc.GetOwned(context.Background(), "acc-2", result.Machine.MachineID)
	assert.ErrorIs(t, err, machines.ErrNotFound)

	_, err = svc.GetOwned(context.Background(), "acc-1", "ZZZ9999")
	assert.ErrorIs(t, err, machines.ErrNotFound)
}

func TestResolveWithoutTOTP(t *testing.T) {
	svc, _, _ := newTestService(t, 3000, 3002, Config{})

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)

	info, err := svc.Resolve(context.Background(), result.Machine.MachineID)
	require.NoError(t, err)
	assert.False(t, info.TOTPRequired)
	assert.Equal(t, "token-"+result.Machine.MachineID, info.Token)
	assert.Equal(t, result.Machine.TunnelPort, info.Machine.TunnelPort)
}

func TestResolveWithTOTPWithholdsToken(t *testing.T) {
	svc, _, _ := newTestService(t, 3000, 3002, Config{
		SSHHost:         "ssh.example.com",
		SSHPort:         22,
		SSHPortInternal: 2222,
		TOTPRequired:    true,
		TOTPIssuer:      "convid",
	})

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)

	info, err := svc.Resolve(context.Background(), result.Machine.MachineID)
	require.NoError(t, err)
	assert.True(t, info.TOTPRequired)
	assert.Empty(t, info.Token)
}

func TestExchangeCode(t *testing.T) {
	svc, _, _ := newTestService(t, 3000, 3002, Config{
		SSHHost:         "ssh.example.com",
		SSHPort:         22,
		SSHPortInternal: 2222,
		TOTPRequired:    true,
		TOTPIssuer:      "convid",
	})

	result, err := svc.Register(context.Background(), "acc-1")
	require.NoError(t, err)
	machineID := result.Machine.MachineID
	secret := result.Machine.TOTPSecret

	code, err := otptotp.GenerateCodeCustom(secret, time.Now().UTC(), otptotp.ValidateOpts{
		Period:    30,
		Skew:      2,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	tokenString, err := svc.ExchangeCode(context.Background(), machineID, code)
	require.NoError(t, err)
	assert.Equal(t, "token-"+machineID, tokenString)

	_, err = svc.ExchangeCode(context.Background(), machineID, "000000")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	_, err = svc.ExchangeCode(context.Background(), "ZZZ9999", code)
	assert.ErrorIs(t, err, machines.ErrNotFound)
}

func TestExchangeCodeWithoutSecret(t *testing.T) {
	// Deployment toggled TOTP on after this machine registered without one.
	svc, store, _ := newTestService(t, 3000, 3002, Config{
		TOTPRequired: true,
		TOTPIssuer:   "convid",
	})
	store.byID["ABC1234"] = machines.Machine{MachineID: "ABC1234"}

	_, err := svc.ExchangeCode(context.Background(), "ABC1234", "123456")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestNewMachineIDFormat(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.Regexp(t, machineIDPattern, NewMachineID())
	}
}

func TestValidateIsUsedBySecondFactorPath(t *testing.T) {
	// Sanity link between enrollment output and the validator the exchange
	// path uses.
	enrollment, err := totp.Enroll("convid", "ABC1234")
	require.NoError(t, err)

	code, err := otptotp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, totp.Validate(code, enrollment.Secret))
}
