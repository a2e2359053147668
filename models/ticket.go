package models

// TicketState is the state of an issue in the external tracker
type TicketState string

const (
	TicketStateOpen   TicketState = "open"
	TicketStateClosed TicketState = "closed"
)

// TicketRef is a handle into the external issue tracker.
// The pipeline never owns the ticket lifecycle beyond this reference.
type TicketRef struct {
	ExternalID string      `json:"external_id"`
	URL        string      `json:"url"`
	State      TicketState `json:"state"`
}
