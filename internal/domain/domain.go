package domain

// Status values a Request moves through. Terminal statuses accept no
// further transitions.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusRejected   = "rejected"
)

// Statuses enumerates every legal Request status.
var Statuses = []string{
	StatusPending,
	StatusAccepted,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
}

// IsTerminal reports whether no transition may leave the given status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusRejected
}

type Location struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
}

type Request struct {
	ID                     string   `json:"id"`
	RequesterID            string   `json:"requester_id"`
	FulfillerID            string   `json:"fulfiller_id"`
	Category               string   `json:"category"`
	Title                  string   `json:"title"`
	Description            string   `json:"description"`
	Location               Location `json:"location"`
	RequestedDate          string   `json:"requested_date" format:"date"`
	EstimatedDurationHours *float64 `json:"estimated_duration_hours,omitempty"`
	Price                  *float64 `json:"price,omitempty"`
	NegotiatedPrice        *float64 `json:"negotiated_price,omitempty"`
	Status                 string   `json:"status" enum:"pending,accepted,in_progress,completed,cancelled,rejected"`
	StatusReason           *string  `json:"status_reason,omitempty"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
	UpdatedAt              string   `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
