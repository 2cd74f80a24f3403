package core

// Identity holds the authenticated caller of the task and fleet APIs.
// Owner tokens resolve to a concrete OwnerID. Operator logins carry an
// empty OwnerID and see the whole fleet.
type Identity struct {
	OwnerID string
	Subject string
	Groups  []string
}
