package machines

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("machine not found")

	// ErrPortConflict surfaces the unique index on tunnel_port, the store's
	// last line of defense against cross-process allocation races. The
	// orchestrator treats it as a retryable collision, not a fatal error.
	ErrPortConflict = errors.New("tunnel port already in use")

	ErrMachineExists = errors.New("machine id already registered")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, m Machine) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registered_machines
		 (machine_id, account_id, account_email, ssh_host, ssh_port,
		  ssh_port_internal, ssh_username, ssh_password, tunnel_port, totp_secret)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.MachineID, m.Account.AccountID, m.Account.Email, m.SSHHost, m.SSHPort,
		m.SSHPortInternal, m.SSHUsername, m.SSHPassword, m.TunnelPort, nullable(m.TOTPSecret))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "registered_machines_tunnel_port_idx":
				return ErrPortConflict
			default:
				return ErrMachineExists
			}
		}
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

func (s *Store) GetByMachineID(ctx context.Context, machineID string) (Machine, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT machine_id, account_id, account_email, ssh_host, ssh_port,
		        ssh_port_internal, ssh_username, ssh_password, tunnel_port,
		        COALESCE(totp_secret, ''), created_at
		 FROM registered_machines WHERE machine_id = $1`,
		machineID)

	var m Machine
	err := row.Scan(&m.MachineID, &m.Account.AccountID, &m.Account.Email,
		&m.SSHHost, &m.SSHPort, &m.SSHPortInternal, &m.SSHUsername,
		&m.SSHPassword, &m.TunnelPort, &m.TOTPSecret, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Machine{}, ErrNotFound
		}
		return Machine{}, fmt.Errorf("query machine: %w", err)
	}
	return m, nil
}

// ListTunnelPorts returns every persisted tunnel port. The allocator excludes
// these from candidate selection.
func (s *Store) ListTunnelPorts(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT tunnel_port FROM registered_machines`)
	if err != nil {
		return nil, fmt.Errorf("list tunnel ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan tunnel port: %w", err)
		}
		ports = append(ports, port)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tunnel ports: %w", err)
	}
	return ports, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
