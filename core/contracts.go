package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Logger is the structured logger contract shared across the module.
type Logger = glog.Logger

// LoggerProvider resolves named loggers for subsystems.
type LoggerProvider = glog.LoggerProvider

// FieldsLogger is an optional logger extension for field-scoped children.
type FieldsLogger interface {
	Logger
	WithFields(fields map[string]any) Logger
}

// MetricsRecorder receives operational counters and timings.
type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// LinkStore persists provider links keyed by (provider, subject).
type LinkStore interface {
	Upsert(ctx context.Context, record LinkRecord) (LinkRecord, error)
	Get(ctx context.Context, key LinkKey) (LinkRecord, bool, error)
	Delete(ctx context.Context, key LinkKey) error
}

// NonceStore persists single-use authorization nonces. Put replaces any
// previous nonce for the key; Consume deletes unconditionally and returns
// what was stored.
type NonceStore interface {
	Put(ctx context.Context, nonce CsrfNonce) error
	Consume(ctx context.Context, key LinkKey) (CsrfNonce, bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// VendedCredentialStore persists vended service-account keys and their
// fetch locks. TryAcquireLock must be atomic with respect to concurrent
// callers: create-or-lock when the record is absent or the lock is past,
// report contention when a live lock exists.
type VendedCredentialStore interface {
	Get(ctx context.Context, key LinkKey) (VendedCredential, bool, error)
	TryAcquireLock(ctx context.Context, key LinkKey, holdUntil time.Time) (LockOutcome, error)
	SaveCredential(ctx context.Context, key LinkKey, keyJSON []byte, expiresAt time.Time) error
	ClearExpiredLock(ctx context.Context, key LinkKey, now time.Time) error
	Delete(ctx context.Context, key LinkKey) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CacheStore is a namespaced TTL cache with add-if-absent semantics. Add
// returns false when the entry already exists, the key exceeds the store's
// key budget, or the value is rejected. Callers must treat every cache
// operation as best effort.
type CacheStore interface {
	Add(ctx context.Context, namespace, key, value string, ttl time.Duration) bool
	Get(ctx context.Context, namespace, key string) (string, bool)
	Delete(ctx context.Context, namespace, key string)
	MaxKeyBytes() int
}

// AuthorizationURLRequest is what a provider adapter needs to build a
// consent URL. State carries the encoded nonce envelope.
type AuthorizationURLRequest struct {
	Scopes      []string
	RedirectURI string
	State       string
	ExtraParams []ExtraParam
}

// ProviderAdapter wraps one upstream credential provider. Implementations
// translate transport failures into UpstreamStatusError so callers can
// distinguish client rejections from provider outages.
type ProviderAdapter interface {
	ID() string
	AuthorizationURL(req AuthorizationURLRequest) (string, error)
	Exchange(ctx context.Context, code, redirectURI string) (TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (AccessToken, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
	IssueServiceAccountKey(ctx context.Context, accessToken string) (ServiceAccountKey, error)
	RevokeServiceAccountKey(ctx context.Context, accessToken string) error
	MintServiceAccountToken(ctx context.Context, keyJSON []byte, scopes []string) (AccessToken, error)
}

// RegistryUser is the identity registry's view of a platform user.
type RegistryUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Enabled  bool   `json:"enabled"`
}

// IdentityRegistry resolves an authenticated identity to a canonical
// platform user. Lookup keys on the identity's subject id or email,
// whichever the registry indexes.
type IdentityRegistry interface {
	LookupSubject(ctx context.Context, subject string) (RegistryUser, bool, error)
}

// AccessTokenSource produces a live provider access token for a linked
// subject. The link service satisfies this for the credential side.
type AccessTokenSource interface {
	ProviderAccessToken(ctx context.Context, provider, subjectID string) (AccessToken, error)
}

// CredentialRemover deletes the vended credential for a caller and revokes
// the provider-side key. The service-account service satisfies this for
// the link side's unlink path.
type CredentialRemover interface {
	Remove(ctx context.Context, provider, callerID string) error
}

// RepositoryStoreFactory builds the persistence stores from an opaque
// client handle, usually a bun-backed persistence client.
type RepositoryStoreFactory interface {
	BuildStores(client any) (StoreProvider, error)
}

// StoreProvider hands out the concrete stores a factory produced.
type StoreProvider interface {
	LinkStore() LinkStore
	NonceStore() NonceStore
	VendedCredentialStore() VendedCredentialStore
}

// JobExecutionMessage is the queue-facing description of one background
// job run.
type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

// JobNackOptions controls requeue behavior for a failed delivery.
type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
