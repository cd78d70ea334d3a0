package audit

import "strings"

// EventType is a dotted-namespace audit event identifier such as "auth.login".
type EventType string

// Category groups event types for filtering and reporting.
type Category string

// Severity ranks events for alerting and operational log levels.
type Severity string

const (
	CategoryAuthentication   Category = "authentication"
	CategoryAuthorization    Category = "authorization"
	CategoryDataAccess       Category = "data_access"
	CategoryDataModification Category = "data_modification"
	CategoryAdmin            Category = "admin"
	CategorySecurity         Category = "security"
)

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Authentication events
const (
	EventLogin                 EventType = "auth.login"
	EventLogout                EventType = "auth.logout"
	EventFailedLogin           EventType = "auth.failed_login"
	EventPasswordChange        EventType = "auth.password_change"
	EventPasswordResetRequest  EventType = "auth.password_reset_request"
	EventPasswordResetComplete EventType = "auth.password_reset_complete"
	EventSessionCreated        EventType = "auth.session_created"
	EventSessionExpired        EventType = "auth.session_expired"
	EventSessionTerminated     EventType = "auth.session_terminated"
)

// Authorization events
const (
	EventAccessDenied EventType = "authz.denied"
)

// Data events
const (
	EventDataAccess EventType = "data.access"
	EventDataExport EventType = "data.export"
	EventDataSearch EventType = "data.search"
	EventDataCreate EventType = "data.create"
	EventDataModify EventType = "data.modify"
	EventDataDelete EventType = "data.delete"
)

// Admin events
const (
	EventAdminUserCreate       EventType = "admin.user_create"
	EventAdminUserModify       EventType = "admin.user_modify"
	EventAdminUserDelete       EventType = "admin.user_delete"
	EventAdminRoleChange       EventType = "admin.role_change"
	EventAdminPermissionChange EventType = "admin.permission_change"
	EventAdminSettingsChange   EventType = "admin.settings_change"
	EventAdminForceLogout      EventType = "admin.force_logout"
	EventAdminDataExport       EventType = "admin.data_export"
)

// Security events
const (
	EventRateLimit          EventType = "security.rate_limit"
	EventSuspiciousActivity EventType = "security.suspicious_activity"
	EventIPBlocked          EventType = "security.ip_blocked"
	EventBruteForceDetected EventType = "security.brute_force_detected"
)

// severityTable lists every event type whose severity is not info.
var severityTable = map[EventType]Severity{
	EventPasswordChange:     SeverityCritical,
	EventAdminUserDelete:    SeverityCritical,
	EventAdminRoleChange:    SeverityCritical,
	EventBruteForceDetected: SeverityCritical,

	EventIPBlocked: SeverityError,

	EventFailedLogin:        SeverityWarning,
	EventRateLimit:          SeverityWarning,
	EventSuspiciousActivity: SeverityWarning,
	EventDataDelete:         SeverityWarning,
}

var dataAccessTypes = map[EventType]bool{
	EventDataAccess: true,
	EventDataExport: true,
	EventDataSearch: true,
}

// CategoryOf derives the category of an event type from its namespace prefix.
// Unknown namespaces fall back to data_access.
func CategoryOf(t EventType) Category {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "auth."):
		return CategoryAuthentication
	case strings.HasPrefix(s, "authz."):
		return CategoryAuthorization
	case dataAccessTypes[t]:
		return CategoryDataAccess
	case strings.HasPrefix(s, "data."):
		return CategoryDataModification
	case strings.HasPrefix(s, "admin."):
		return CategoryAdmin
	case strings.HasPrefix(s, "security."):
		return CategorySecurity
	default:
		return CategoryDataAccess
	}
}

// SeverityOf derives the default severity of an event type.
func SeverityOf(t EventType) Severity {
	if s, ok := severityTable[t]; ok {
		return s
	}
	return SeverityInfo
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuthentication, CategoryAuthorization, CategoryDataAccess,
		CategoryDataModification, CategoryAdmin, CategorySecurity:
		return true
	}
	return false
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}
