package coordinator

// Status is the stage of a fetch reported to progress subscribers.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Progress is delivered to progress subscribers while a fetch runs. Progress is a percentage.
type Progress struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}
