// Package totp issues and validates time-based one-time codes used as the
// optional second factor on machine connections. Enrollment and validation
// are pure functions of their inputs and the clock; they hold no shared
// state and need no locking.
package totp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// 160-bit shared secret, base32-encoded by the library.
	secretSize = 20

	period = 30 * time.Second

	// Accepted steps on each side of the current one; tolerates ~60s of
	// clock drift in either direction.
	skew = 2

	qrSize = 256
)

// Enrollment is the artifact handed to the user at registration time. URL is
// the otpauth provisioning URI; QRCodeDataURL is the same URI rendered as a
// PNG and wrapped in a data: URL so it can be embedded directly in a page.
type Enrollment struct {
	Secret        string
	URL           string
	QRCodeDataURL string
}

// Enroll generates a fresh shared secret for the machine and renders its
// provisioning artifacts. The account label masks the machine id down to its
// first and last character.
func Enroll(issuer, machineID string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: maskLabel(machineID),
		SecretSize:  secretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render totp qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode totp qr code: %w", err)
	}

	return &Enrollment{
		Secret:        key.Secret(),
		URL:           key.URL(),
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Validate reports whether code is valid for secret at the current time.
// Validation is stateless: a code can be replayed within its window. The
// original deployment behaves the same way; single-use codes would require
// tracking the last accepted step per secret.
func Validate(code, secret string) bool {
	return ValidateAt(code, secret, time.Now())
}

// ValidateAt is Validate against an explicit reference time.
func ValidateAt(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at.UTC(), totp.ValidateOpts{
		Period:    uint(period.Seconds()),
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func maskLabel(machineID string) string {
	if len(machineID) < 2 {
		return "Convid " + machineID
	}
	return fmt.Sprintf("Convid %c*****%c", machineID[0], machineID[len(machineID)-1])
}
