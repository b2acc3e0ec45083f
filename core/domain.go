package core

import (
	"fmt"
	"strings"
	"time"
)

// LinkKey identifies one linked identity: a provider id plus the platform
// subject that owns the link.
type LinkKey struct {
	Provider  string
	SubjectID string
}

func (k LinkKey) Validate() error {
	if strings.TrimSpace(k.Provider) == "" {
		return fmt.Errorf("core: provider is required")
	}
	if strings.TrimSpace(k.SubjectID) == "" {
		return fmt.Errorf("core: subject id is required")
	}
	return nil
}

func (k LinkKey) String() string {
	return k.Provider + "/" + k.SubjectID
}

// LinkRecord is the durable state of one provider link. The refresh token is
// the only long-lived secret the broker holds for a subject.
type LinkRecord struct {
	Provider     string
	SubjectID    string
	RefreshToken string
	IssuedAt     time.Time
	Username     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r LinkRecord) Key() LinkKey {
	return LinkKey{Provider: r.Provider, SubjectID: r.SubjectID}
}

func (r LinkRecord) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RefreshToken) == "" {
		return fmt.Errorf("core: refresh token is required")
	}
	if r.IssuedAt.IsZero() {
		return fmt.Errorf("core: issued_at is required")
	}
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("core: username is required")
	}
	return nil
}

// CsrfNonce is a single-use value bound into the authorization state. It is
// consumed (deleted) on the first exchange attempt, success or not.
type CsrfNonce struct {
	Provider  string
	SubjectID string
	Nonce     string
	CreatedAt time.Time
}

func (n CsrfNonce) Key() LinkKey {
	return LinkKey{Provider: n.Provider, SubjectID: n.SubjectID}
}

// VendedCredential is the cached service-account key for one link, together
// with the fetch lock used to keep credential issuance single-flight.
//
// A record can be in one of three shapes: locked-pending (lock set, no key),
// present (key set, no live lock), or present with a live lock while a
// replacement key is being fetched.
type VendedCredential struct {
	Provider   string
	SubjectID  string
	KeyJSON    []byte
	ExpiresAt  *time.Time
	LockExpiry *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c VendedCredential) Key() LinkKey {
	return LinkKey{Provider: c.Provider, SubjectID: c.SubjectID}
}

// HasKey reports whether a key has ever been written to this record.
func (c VendedCredential) HasKey() bool {
	return len(c.KeyJSON) > 0
}

// Usable reports whether the stored key exists and has not expired.
func (c VendedCredential) Usable(now time.Time) bool {
	return c.HasKey() && c.ExpiresAt != nil && c.ExpiresAt.After(now)
}

// LockHeld reports whether another fetcher currently holds the fetch lock.
func (c VendedCredential) LockHeld(now time.Time) bool {
	return c.LockExpiry != nil && c.LockExpiry.After(now)
}

// LockStale reports whether a lock was taken but its window has passed
// without a credential write, which signals the fetcher died.
func (c VendedCredential) LockStale(now time.Time) bool {
	return c.LockExpiry != nil && !c.LockExpiry.After(now)
}

// LockOutcome is the result of a conditional lock write. Transaction failure
// is kept distinct from contention: contention means wait for the holder,
// transaction failure is locally retryable.
type LockOutcome string

const (
	LockAcquired    LockOutcome = "acquired"
	LockAlreadyHeld LockOutcome = "already_held"
	LockTxFailed    LockOutcome = "tx_failed"
)

// AccessToken is a short-lived provider token, either refreshed from a link
// or minted from a vended service-account key.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenGrant is the raw result of an authorization-code exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    *time.Time
}

// ServiceAccountKey is a provider-issued key blob. The broker treats the
// payload as opaque JSON.
type ServiceAccountKey struct {
	KeyJSON  []byte
	IssuedAt time.Time
}

// LinkInfo is the public projection of a link, with the refresh token
// stripped out.
type LinkInfo struct {
	Provider  string
	SubjectID string
	Username  string
	IssuedAt  time.Time
}

// ExtraParam is an additional query parameter appended to authorization
// URLs, configured per provider.
type ExtraParam struct {
	Key   string `koanf:"key" mapstructure:"key" json:"key"`
	Value string `koanf:"value" mapstructure:"value" json:"value"`
}

// AuthorizationRequest describes a link-initiation request for one subject.
type AuthorizationRequest struct {
	Provider    string
	SubjectID   string
	RedirectURI string
	Scopes      []string
	CallerState string
}

// ExchangeRequest carries the callback parameters a subject returns with
// after provider consent.
type ExchangeRequest struct {
	Provider    string
	SubjectID   string
	Code        string
	RedirectURI string
	State       string
}

// SweepStats reports what a maintenance sweep removed.
type SweepStats struct {
	CredentialsRemoved int
	NoncesRemoved      int
}
