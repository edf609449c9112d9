package delivery

import "time"

// BatchStatus is the lifecycle state of one fan-out aggregation.
type BatchStatus string

const (
	BatchCreated            BatchStatus = "CREATED"
	BatchInProgress         BatchStatus = "IN_PROGRESS"
	BatchCompleted          BatchStatus = "COMPLETED"
	BatchPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchTimeout            BatchStatus = "TIMEOUT"
	BatchFailed             BatchStatus = "FAILED"
)

// DeviceResultStatus classifies a single device's outcome for a batch command.
type DeviceResultStatus string

const (
	DeviceSuccess DeviceResultStatus = "SUCCESS"
	DeviceFailure DeviceResultStatus = "FAILURE"
)

// DeviceResult is one device's asynchronous confirmation for a dispatched
// batch command. Results may arrive out of order, at any time.
type DeviceResult struct {
	DeviceID    string             `json:"deviceId"`
	Status      DeviceResultStatus `json:"status"`
	Payload     []byte             `json:"payload,omitempty"`
	RespondedAt time.Time          `json:"respondedAt"`
}

// BatchAggregationData is a snapshot of one many-to-one command fan-out.
// Invariant: CompletedCount == SuccessCount+FailureCount <= TotalCount.
type BatchAggregationData struct {
	BatchID        string                  `json:"batchId"`
	TaskID         string                  `json:"taskId"`
	Status         BatchStatus             `json:"status"`
	TotalCount     int                     `json:"totalCount"`
	CompletedCount int                     `json:"completedCount"`
	SuccessCount   int                     `json:"successCount"`
	FailureCount   int                     `json:"failureCount"`
	DeviceResults  map[string]DeviceResult `json:"deviceResults"`
	CreatedTime    time.Time               `json:"createdTime"`
	LastUpdateTime time.Time               `json:"lastUpdateTime"`
}

// Done reports whether the aggregation reached a final state.
func (d *BatchAggregationData) Done() bool {
	switch d.Status {
	case BatchCompleted, BatchPartiallyCompleted, BatchTimeout, BatchFailed:
		return true
	}
	return false
}

// BatchManifest describes a fan-out command at dispatch time.
type BatchManifest struct {
	BatchID         string        `json:"batchId"`
	TaskID          string        `json:"taskId"`
	TargetDeviceIDs []string      `json:"targetDeviceIds"`
	// RequesterID receives the one-time completion notification.
	RequesterID string `json:"requesterId"`
	// Timeout overrides the tracker's default when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	Command []byte        `json:"command"`
}

// OfflineNotification is a message saved because no live session accepted it.
type OfflineNotification struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Payload        []byte    `json:"payload"`
	Priority       int       `json:"priority"`
	SavedAt        time.Time `json:"savedAt"`
}
