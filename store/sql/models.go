package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/DataBiosphere/bond/core"
)

type linkRecord struct {
	bun.BaseModel `bun:"table:bond_links,alias:bl"`

	ID           string    `bun:"id,pk"`
	Provider     string    `bun:"provider,notnull"`
	SubjectID    string    `bun:"subject_id,notnull"`
	RefreshToken string    `bun:"refresh_token,notnull"`
	IssuedAt     time.Time `bun:"issued_at,notnull"`
	Username     string    `bun:"username,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *linkRecord) toDomain() core.LinkRecord {
	return core.LinkRecord{
		Provider:     r.Provider,
		SubjectID:    r.SubjectID,
		RefreshToken: r.RefreshToken,
		IssuedAt:     r.IssuedAt,
		Username:     r.Username,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type csrfNonceRecord struct {
	bun.BaseModel `bun:"table:bond_csrf_nonces,alias:bcn"`

	ID        string    `bun:"id,pk"`
	Provider  string    `bun:"provider,notnull"`
	SubjectID string    `bun:"subject_id,notnull"`
	Nonce     string    `bun:"nonce,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func (r *csrfNonceRecord) toDomain() core.CsrfNonce {
	return core.CsrfNonce{
		Provider:  r.Provider,
		SubjectID: r.SubjectID,
		Nonce:     r.Nonce,
		CreatedAt: r.CreatedAt,
	}
}

type vendedCredentialRecord struct {
	bun.BaseModel `bun:"table:bond_service_account_keys,alias:bsk"`

	ID         string     `bun:"id,pk"`
	Provider   string     `bun:"provider,notnull"`
	SubjectID  string     `bun:"subject_id,notnull"`
	KeyJSON    []byte     `bun:"key_json"`
	ExpiresAt  *time.Time `bun:"expires_at,nullzero"`
	LockExpiry *time.Time `bun:"lock_expiry,nullzero"`
	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *vendedCredentialRecord) toDomain() core.VendedCredential {
	out := core.VendedCredential{
		Provider:  r.Provider,
		SubjectID: r.SubjectID,
		KeyJSON:   append([]byte(nil), r.KeyJSON...),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		expiry := *r.ExpiresAt
		out.ExpiresAt = &expiry
	}
	if r.LockExpiry != nil {
		expiry := *r.LockExpiry
		out.LockExpiry = &expiry
	}
	return out
}
