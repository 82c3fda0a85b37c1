package protocol

import "time"

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
	Users     []string  `json:"users"`
	Processed int64     `json:"processed"`
	Errors    int64     `json:"errors"`
}

// ServiceInfo is one entry in the GET /api/v1/services response.
type ServiceInfo struct {
	Name          string    `json:"name"`
	InstanceID    string    `json:"instance_id"`
	Version       string    `json:"version"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Processed     int64     `json:"processed"`
	Errors        int64     `json:"errors"`
}

// ServicesResponse is returned by GET /api/v1/services.
type ServicesResponse struct {
	Services []ServiceInfo `json:"services"`
}
