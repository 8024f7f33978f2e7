package contract

import (
	"time"

	"offmarket/credential"
)

// Stage is the signing progress of one user on one listing.
type Stage string

const (
	StageNone           Stage = "none"
	StageLOISigned      Stage = "loi_signed"
	StageContractSigned Stage = "contract_signed"
)

func (s Stage) rank() int {
	switch s {
	case StageLOISigned:
		return 1
	case StageContractSigned:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is at or past other.
func (s Stage) AtLeast(other Stage) bool {
	return s.rank() >= other.rank()
}

// Template names the contract signed after the LOI.
type Template string

const (
	TemplateBrokerage   Template = "brokerage"
	TemplateCooperation Template = "cooperation"
)

func (t Template) Valid() bool {
	return t == TemplateBrokerage || t == TemplateCooperation
}

// Kind is the credential kind that proves this template was signed.
func (t Template) Kind() credential.Kind {
	switch t {
	case TemplateBrokerage:
		return credential.KindBrokerageContract
	case TemplateCooperation:
		return credential.KindCooperationContract
	default:
		return ""
	}
}

// TemplateForKind is the inverse of Template.Kind.
func TemplateForKind(k credential.Kind) (Template, bool) {
	switch k {
	case credential.KindBrokerageContract:
		return TemplateBrokerage, true
	case credential.KindCooperationContract:
		return TemplateCooperation, true
	default:
		return "", false
	}
}

// Record mirrors a contract_records row: one per (user, entity).
type Record struct {
	UserID       string
	EntityType   string
	EntityID     string
	Stage        Stage
	SignedAt     *time.Time
	CredentialID string
	Template     Template
	// AccessGrantedAt is set by a redeemed entity_access code; it does not
	// move the stage.
	AccessGrantedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Entity is the listing the record gates.
func (r Record) Entity() credential.EntityRef {
	return credential.EntityRef{Type: r.EntityType, ID: r.EntityID}
}

// Event is an append-only contract_events row.
type Event struct {
	UserID       string
	EntityType   string
	EntityID     string
	Type         string
	FromStage    Stage
	ToStage      Stage
	CredentialID string
	Payload      map[string]any
}

// Transition asks the flow to apply one redeemed credential.
type Transition struct {
	UserID     string
	Entity     credential.EntityRef
	Credential credential.Credential
	// Template is required for contract credentials.
	Template Template
	// Bypass marks a transition accepted without a verified code.
	Bypass bool
}

const (
	EventAccessGranted  = "ACCESS_GRANTED"
	EventLOISigned      = "LOI_SIGNED"
	EventContractSigned = "CONTRACT_SIGNED"

	OutboxTopicAccessGranted  = "contract.access_granted"
	OutboxTopicLOISigned      = "contract.loi_signed"
	OutboxTopicContractSigned = "contract.contract_signed"
)
