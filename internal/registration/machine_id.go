package registration

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mathrand "math/rand/v2"
)

const machineIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewMachineID generates a machine identifier of the form [A-Z]{3}[0-9]{4},
// e.g. ABC1234. Uniqueness is effectively guaranteed by the id space relative
// to expected fleet sizes; the unique index on machine_id catches the rest.
func NewMachineID() string {
	id := make([]byte, 3)
	for i := range id {
		id[i] = machineIDLetters[mathrand.IntN(len(machineIDLetters))]
	}
	return fmt.Sprintf("%s%04d", id, 1000+mathrand.IntN(9000))
}

// newSSHPassword generates the credential the machine uses to open its
// reverse tunnel. 12 random bytes, URL-safe base64.
func newSSHPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate ssh password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
