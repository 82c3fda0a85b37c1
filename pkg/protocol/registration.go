package protocol

// Registration is published on mailwatch.registry when a service starts.
type Registration struct {
	Name         string   `json:"name"`
	InstanceID   string   `json:"instance_id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}
