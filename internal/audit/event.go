package audit

import (
	"github.com/sentinel-security/sentinel/internal/requestctx"
)

// RequestContext is the request attributes attached to an event.
type RequestContext = requestctx.RequestContext

// Actor identifies the principal that performed an audited action. All fields are
// optional; anonymous requests carry an empty Actor.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

// Event is the input to Logger.Log. Category is always derived from Type; Severity is
// derived from Type unless set explicitly.
type Event struct {
	Type     EventType
	Severity Severity

	Actor Actor

	TargetUserID       string
	TargetResourceType string
	TargetResourceID   string

	Action  string
	Details map[string]interface{}

	Request        RequestContext
	ResponseStatus int
	ErrorMessage   string

	GeoLocation map[string]interface{}
	RiskScore   *int
	IsAnomaly   bool
	Metadata    map[string]interface{}
}

// ModificationKind selects the data event recorded by LogDataModification.
type ModificationKind string

const (
	ModificationCreate ModificationKind = "create"
	ModificationModify ModificationKind = "modify"
	ModificationDelete ModificationKind = "delete"
)

// DataModification describes a create, modify or delete of a domain resource.
type DataModification struct {
	Actor        Actor
	Kind         ModificationKind
	ResourceType string
	ResourceID   string
	Changes      map[string]interface{}
	Request      RequestContext
}

// eventType maps a modification kind to its data.* event type. Unknown kinds record
// as data.modify.
func (k ModificationKind) eventType() EventType {
	switch k {
	case ModificationCreate:
		return EventDataCreate
	case ModificationDelete:
		return EventDataDelete
	default:
		return EventDataModify
	}
}

func (k ModificationKind) verb() string {
	switch k {
	case ModificationCreate:
		return "Created"
	case ModificationDelete:
		return "Deleted"
	default:
		return "Modified"
	}
}

// Risk returns a pointer to score, for Event.RiskScore literals.
func Risk(score int) *int {
	return &score
}
