package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenInvalid is the single failure result of Verify. Expired tokens, bad
// signatures, wrong issuer or audience, unsupported algorithms and malformed
// input all collapse into it so a caller probing tokens learns nothing about
// which check failed.
var ErrTokenInvalid = errors.New("invalid token")

type Config struct {
	Issuer         string        `mapstructure:"issuer"`
	Audience       string        `mapstructure:"audience"`
	Expiry         time.Duration `mapstructure:"expiry"`
	Algorithm      string        `mapstructure:"algorithm"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	PublicKeyFile  string        `mapstructure:"public_key_file"`
	// When set, key files are read from the container secret mount
	// (/run/secrets/) instead of the paths as given.
	KeyUsingSecret bool `mapstructure:"key_using_secret"`
}

// Claims are the bearer-token claims binding an account, a machine and its
// tunnel endpoints. Field names on the wire match the original deployment.
type Claims struct {
	AccountID     string `json:"aid"`
	RemoteForward string `json:"rfw"`
	LocalForward  string `json:"lfw"`
	Party         string `json:"pty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bearer tokens with an RSA key pair loaded once at
// construction. It holds no mutable state and is safe for concurrent use.
type Issuer struct {
	method     jwt.SigningMethod
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	expiry     time.Duration
}

const secretMountDir = "/run/secrets"

// keyPath resolves a configured key file name, rebasing it onto the container
// secret mount when the deployment ships keys as secrets.
func keyPath(name string, usingSecret bool) string {
	if usingSecret {
		return filepath.Join(secretMountDir, name)
	}
	return name
}

// NewIssuer loads the PEM key files named in cfg and builds an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	privFile := keyPath(cfg.PrivateKeyFile, cfg.KeyUsingSecret)
	pubFile := keyPath(cfg.PublicKeyFile, cfg.KeyUsingSecret)

	privPEM, err := os.ReadFile(privFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(pubFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewIssuerFromPEM(cfg, privPEM, pubPEM)
}

// NewIssuerFromPEM builds an Issuer from in-memory PEM key material.
func NewIssuerFromPEM(cfg Config, privPEM, pubPEM []byte) (*Issuer, error) {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if _, ok := method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q: must be an RSA method", cfg.Algorithm)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &Issuer{
		method:     method,
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     cfg.Expiry,
	}, nil
}

// Issue creates a signed bearer token with the machine as subject, bound to
// the account and the front/back tunnel endpoints. The jti is a fresh UUID so
// individual tokens stay identifiable.
func (i *Issuer) Issue(accountID, machineID, remoteForward, localForward string) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID:     accountID,
		RemoteForward: remoteForward,
		LocalForward:  localForward,
		Party:         "false",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   machineID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and registered claims and returns the claims on
// success. Every failure maps to ErrTokenInvalid.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return i.publicKey, nil },
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Decode parses a token without verifying its signature. Diagnostic use only;
// never an authorization decision.
func (i *Issuer) Decode(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}
