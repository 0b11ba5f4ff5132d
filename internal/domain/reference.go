package domain

// Order reference lifecycle states as reported by Amazon Pay.
type ReferenceState string

const (
	ReferenceStateDraft     ReferenceState = "Draft"
	ReferenceStateConfirmed ReferenceState = "Confirmed"
	ReferenceStateClosed    ReferenceState = "Closed"
	ReferenceStateCanceled  ReferenceState = "Canceled"
)

type AuthorizationState string

const (
	AuthStatePending  AuthorizationState = "Pending"
	AuthStateOpen     AuthorizationState = "Open"
	AuthStateDeclined AuthorizationState = "Declined"
	AuthStateClosed   AuthorizationState = "Closed"
)
