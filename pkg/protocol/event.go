package protocol

// MessageEvent is the normalized message published for each newly added
// inbox message. ID is the Gmail message id; downstream consumers use it to
// deduplicate at-least-once deliveries.
type MessageEvent struct {
	ID        string `json:"id"`
	UserEmail string `json:"user_email"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Body      string `json:"body"`
}
