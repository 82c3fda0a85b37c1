package protocol

import "fmt"

// NATS subject and stream names shared by the watcher and the responder.
const (
	SubjectRegistry = "mailwatch.registry"

	// SubjectTriggers carries raw PushNotification JSON for deployments that
	// bridge Pub/Sub onto NATS instead of using the HTTP push endpoint.
	SubjectTriggers = "mailwatch.triggers"

	// SubjectMessages is where normalized message events are published.
	SubjectMessages = "mailwatch.messages.received"

	StreamMessages = "MAILWATCH_MESSAGES"
)

// Headers set on published message events.
const (
	HeaderUser      = "Mailwatch-User"
	HeaderSignature = "Mailwatch-Signature"
)

func SubjectHeartbeat(serviceName string) string {
	return fmt.Sprintf("mailwatch.heartbeat.%s", serviceName)
}

// SubjectHeartbeatAll matches every service heartbeat.
const SubjectHeartbeatAll = "mailwatch.heartbeat.>"

// MessageDedupID is the JetStream Nats-Msg-Id for a message event. The same
// Gmail message redelivered within the stream's duplicate window is dropped.
func MessageDedupID(userEmail, messageID string) string {
	return fmt.Sprintf("gmail|%s|%s", userEmail, messageID)
}
