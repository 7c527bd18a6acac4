// Package registration orchestrates one machine-registration request end to
// end: account lookup, tunnel port allocation, optional TOTP enrollment,
// persistence and bearer token issuance. It also serves the stateless read
// path that resolves a machine id back to its connection parameters.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/convid/tunnel-broker/internal/accounts"
	"github.com/convid/tunnel-broker/internal/machines"
	"github.com/convid/tunnel-broker/internal/totp"
	"github.com/convid/tunnel-broker/internal/tunnel"
)

// ErrCodeInvalid is returned when a submitted TOTP code does not validate
// against the machine's secret, or when the machine has no secret to validate
// against. Deliberately undifferentiated.
var ErrCodeInvalid = errors.New("invalid code")

type AccountStore interface {
	GetByAccountID(ctx context.Context, accountID string) (accounts.Account, error)
}

type MachineStore interface {
	Insert(ctx context.Context, m machines.Machine) error
	GetByMachineID(ctx context.Context, machineID string) (machines.Machine, error)
	ListTunnelPorts(ctx context.Context) ([]int, error)
}

type TokenIssuer interface {
	Issue(accountID, machineID, remoteForward, localForward string) (string, error)
}

type Config struct {
	// Endpoint fields copied verbatim into every machine record.
	SSHHost         string
	SSHPort         int
	SSHPortInternal int

	// Whether registrations enroll a TOTP second factor and connections
	// must exchange a code for a token.
	TOTPRequired bool
	TOTPIssuer   string
}

type Service struct {
	accounts  AccountStore
	machines  MachineStore
	allocator *tunnel.Allocator
	tokens    TokenIssuer
	cfg       Config
}

func NewService(accountStore AccountStore, machineStore MachineStore, allocator *tunnel.Allocator, tokens TokenIssuer, cfg Config) *Service {
	return &Service{
		accounts:  accountStore,
		machines:  machineStore,
		allocator: allocator,
		tokens:    tokens,
		cfg:       cfg,
	}
}

// Result is the composed registration response.
type Result struct {
	Machine machines.Machine
	Token   string
	// TOTPURL carries the QR provisioning artifact (a data: URL) when the
	// deployment enrolls a second factor.
	TOTPURL string
}

// ConnectionInfo is the resolution response. Token is only set when the
// deployment does not require a second factor; otherwise the caller must
// exchange a TOTP code via ExchangeCode.
type ConnectionInfo struct {
	Machine      machines.Machine
	TOTPRequired bool
	Token        string
}

// Register executes one machine registration for the given account.
//
// Failure terminals: accounts.ErrNotFound (unknown account),
// tunnel.ErrPoolExhausted (no port available), anything else is a
// persistence-class failure the caller must resubmit. A tunnel_port
// uniqueness violation from the store is retried here with the offending
// port excluded; the in-flight reservation is released on every exit path of
// the persistence step.
func (s *Service) Register(ctx context.Context, accountID string) (*Result, error) {
	account, err := s.accounts.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	ports, err := s.machines.ListTunnelPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allocated ports: %w", err)
	}

	machineID := NewMachineID()

	password, err := newSSHPassword()
	if err != nil {
		return nil, err
	}

	machine := machines.Machine{
		MachineID: machineID,
		Account: machines.AccountSnapshot{
			AccountID: account.AccountID,
			Email:     account.Email,
		},
		SSHHost:         s.cfg.SSHHost,
		SSHPort:         s.cfg.SSHPort,
		SSHPortInternal: s.cfg.SSHPortInternal,
		SSHUsername:     machineID,
		SSHPassword:     password,
	}

	port, err := s.allocator.Reserve(ports)
	if err != nil {
		return nil, err
	}

	var totpURL string
	if s.cfg.TOTPRequired {
		enrollment, err := totp.Enroll(s.cfg.TOTPIssuer, machineID)
		if err != nil {
			s.allocator.Release(port)
			slog.Error("TOTP enrollment failed, aborting registration",
				"machine_id", machineID, "error", err)
			return nil, fmt.Errorf("totp enrollment: %w", err)
		}
		machine.TOTPSecret = enrollment.Secret
		totpURL = enrollment.QRCodeDataURL
	}

	for {
		machine.TunnelPort = port
		err := s.machines.Insert(ctx, machine)
		s.allocator.Release(port)
		if err == nil {
			break
		}
		if !errors.Is(err, machines.ErrPortConflict) {
			return nil, fmt.Errorf("persist machine: %w", err)
		}

		// Another process won the port. Exclude it and allocate again.
		slog.Warn("Tunnel port collided during persist, reallocating",
			"machine_id", machineID, "port", port)
		ports = append(ports, port)
		port, err = s.allocator.Reserve(ports)
		if err != nil {
			return nil, err
		}
	}

	tokenString, err := s.issueToken(&machine)
	if err != nil {
		return nil, err
	}

	slog.Info("Machine registered",
		"machine_id", machineID,
		"account_id", account.AccountID,
		"tunnel_port", machine.TunnelPort)

	return &Result{
		Machine: machine,
		Token:   tokenString,
		TOTPURL: totpURL,
	}, nil
}

// GetOwned returns the machine only if it is linked to the given account.
// A mismatch reports machines.ErrNotFound so callers cannot probe for
// machine ids they do not own.
func (s *Service) GetOwned(ctx context.Context, accountID, machineID string) (machines.Machine, error) {
	machine, err := s.machines.GetByMachineID(ctx, machineID)
	if err != nil {
		return machines.Machine{}, err
	}
	if machine.Account.AccountID != accountID {
		return machines.Machine{}, machines.ErrNotFound
	}
	return machine, nil
}

// Resolve looks up a machine's connection parameters. When the deployment
// does not require a second factor a bearer token is issued directly;
// otherwise the caller must follow up with ExchangeCode.
func (s *Service) Resolve(ctx context.Context, machineID string) (*ConnectionInfo, error) {
	machine, err := s.machines.GetByMachineID(ctx, machineID)
	if err != nil {
		return nil, err
	}

	info := &ConnectionInfo{
		Machine:      machine,
		TOTPRequired: s.cfg.TOTPRequired,
	}
	if !s.cfg.TOTPRequired {
		tokenString, err := s.issueToken(&machine)
		if err != nil {
			return nil, err
		}
		info.Token = tokenString
	}
	return info, nil
}

// ExchangeCode validates a submitted TOTP code against the machine's stored
// secret and issues a bearer token on success.
func (s *Service) ExchangeCode(ctx context.Context, machineID, code string) (string, error) {
	machine, err := s.machines.GetByMachineID(ctx, machineID)
	if err != nil {
		return "", err
	}
	if machine.TOTPSecret == "" || !totp.Validate(code, machine.TOTPSecret) {
		slog.Warn("TOTP code rejected", "machine_id", machineID)
		return "", ErrCodeInvalid
	}
	return s.issueToken(&machine)
}

// issueToken binds the machine's tunnel endpoints into a bearer token: the
// front endpoint is where a client connects (public SSH host, allocated
// tunnel port), the back endpoint is what the machine forwards to.
func (s *Service) issueToken(m *machines.Machine) (string, error) {
	remoteForward := fmt.Sprintf("%s:%d", m.SSHHost, m.TunnelPort)
	localForward := fmt.Sprintf("localhost:%d", m.SSHPortInternal)

	tokenString, err := s.tokens.Issue(m.Account.AccountID, m.MachineID, remoteForward, localForward)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tokenString, nil
}
