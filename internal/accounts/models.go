package accounts

import "time"

// Account is created by an external provisioning call and never mutated by
// the registration core.
type Account struct {
	AccountID string
	Email     string
	CreatedAt time.Time
}
