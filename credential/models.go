package credential

import "time"

// Kind names what a credential unlocks.
type Kind string

const (
	KindRegistration        Kind = "registration"
	KindEntityAccess        Kind = "entity_access"
	KindPasswordReset       Kind = "password_reset"
	KindLOI                 Kind = "loi"
	KindBrokerageContract   Kind = "brokerage_contract"
	KindCooperationContract Kind = "cooperation_contract"
	KindAPIKey              Kind = "api_key"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRegistration, KindEntityAccess, KindPasswordReset, KindLOI,
		KindBrokerageContract, KindCooperationContract, KindAPIKey:
		return true
	default:
		return false
	}
}

// SubjectScoped kinds may only be redeemed by the user they were issued to.
func (k Kind) SubjectScoped() bool {
	return k == KindRegistration || k == KindPasswordReset
}

// EntityScoped kinds are bound to an entity and pass to whoever redeems them.
func (k Kind) EntityScoped() bool {
	switch k {
	case KindEntityAccess, KindLOI, KindBrokerageContract, KindCooperationContract:
		return true
	default:
		return false
	}
}

// family groups kinds that are redeemed through the same entry point and
// therefore must not share an outstanding code.
func (k Kind) family() string {
	switch k {
	case KindEntityAccess, KindLOI:
		return "access"
	case KindBrokerageContract, KindCooperationContract:
		return "contract"
	default:
		return string(k)
	}
}

var subjectScopedKinds = []Kind{KindRegistration, KindPasswordReset}

// EntityRef points at a property or a demand. The credential engine does not
// interpret it.
type EntityRef struct {
	Type string
	ID   string
}

func (e EntityRef) IsZero() bool { return e.Type == "" && e.ID == "" }

// Credential is a short code or API token gating one disclosure or action.
// Rows are never deleted; consumed, expired and revoked rows stay for audit.
type Credential struct {
	ID            string
	Code          string
	Kind          Kind
	SubjectUserID string
	Entity        *EntityRef
	Label         string
	IssuedAt      time.Time
	ExpiresAt     *time.Time
	ConsumedAt    *time.Time
	RevokedAt     *time.Time

	RateLimit        int
	UsageWindowCount int
	UsageWindowStart *time.Time
}

// Expired reports whether the credential can no longer be used at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Live reports whether the credential is unconsumed, unrevoked and unexpired.
func (c Credential) Live(now time.Time) bool {
	return c.ConsumedAt == nil && c.RevokedAt == nil && !c.Expired(now)
}

// IssueParams describes a credential to mint.
type IssueParams struct {
	Kind          Kind
	SubjectUserID string
	Entity        *EntityRef
	// TTL nil picks the per-kind default; api_key defaults to never expiring.
	TTL       *time.Duration
	RateLimit int
	Label     string
}

// RedeemParams identifies the code being presented.
type RedeemParams struct {
	Code  string
	Kinds []Kind
	// SubjectUserID is the authenticated redeemer. Required for
	// subject-scoped kinds; becomes the new owner of entity-scoped ones.
	SubjectUserID string
}

// InvalidateParams selects the outstanding credentials to expire. At least
// one of ID, SubjectUserID or Entity must be set.
type InvalidateParams struct {
	Kinds         []Kind
	ID            string
	SubjectUserID string
	Entity        *EntityRef
}

// LiveQuery looks up an outstanding credential for a subject and entity.
type LiveQuery struct {
	Kinds         []Kind
	SubjectUserID string
	Entity        *EntityRef
}
