package machines

import "time"

// AccountSnapshot is a copy of the owning account's fields taken at
// registration time. It is a value, not a live reference: later account
// mutations do not propagate into existing machine records.
type AccountSnapshot struct {
	AccountID string
	Email     string
}

// Machine is a registered remote endpoint. Created exactly once by the
// registration workflow and never mutated or deleted afterwards; there is no
// deallocation path, so its tunnel port is never reclaimed.
type Machine struct {
	MachineID       string
	Account         AccountSnapshot
	SSHHost         string
	SSHPort         int
	SSHPortInternal int
	SSHUsername     string
	SSHPassword     string
	TunnelPort      int
	TOTPSecret      string
	CreatedAt       time.Time
}
