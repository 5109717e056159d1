package escrow

// Actor is a verified caller identity, supplied by the access-control
// collaborator. Authentication itself happens upstream; by the time an Actor
// reaches this package it is trusted.
type Actor struct {
	ID    string
	Admin bool
}

// Verified reports whether the actor carries an identity at all.
func (a Actor) Verified() bool {
	return a.ID != ""
}
