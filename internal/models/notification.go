package models

// Notification is delivered to a user's notification sockets as the data
// of a "notification" frame.
type Notification struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Notification kinds.
const (
	NotifyRoomAdded        = "room_added"
	NotifyProposalCreated  = "proposal_created"
	NotifyProposalUpdated  = "proposal_updated"
	NotifyProposalMatched  = "proposal_matched"
	NotifyProposalRejected = "proposal_rejected"
)
