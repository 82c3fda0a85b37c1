package protocol

import "time"

// Heartbeat is published on mailwatch.heartbeat.<service> every 30s.
type Heartbeat struct {
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	LastEvent  time.Time `json:"last_event"`
	Processed  int64     `json:"processed"`
	Errors     int64     `json:"errors"`
}
