package archiver

// Pubsub topics the pipeline publishes on. Notification collaborators
// subscribe to these, the pipeline never waits for them.
const (
	TopicArchiveCompleted = "archiveCompleted"
	TopicArchiveFailed    = "archiveFailed"
)

// CompletedEvent is published once per target whose copy fully succeeded.
type CompletedEvent struct {
	JobID         string `json:"jobId"`
	DestinationID string `json:"destinationId"`
	Addon         string `json:"addon"`
}

// FailedEvent is published when a failure handler records a terminal
// failure. Addon is empty for job-level failures such as a quota breach.
type FailedEvent struct {
	JobID         string      `json:"jobId"`
	DestinationID string      `json:"destinationId"`
	Addon         string      `json:"addon,omitempty"`
	Reason        FailureKind `json:"reason"`
}
