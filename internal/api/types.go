package api

import (
	"time"

	"github.com/JakeFAU/sitecapture/internal/job"
)

// Response status tags.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Command is the POST /v1/jobs body. Exactly one field must be set.
type Command struct {
	ListUserAgents bool         `json:"list_user_agents,omitempty"`
	QueueStatus    bool         `json:"queue_status,omitempty"`
	SubmitJob      *job.Request `json:"submit_job,omitempty"`
}

func (c Command) selected() int {
	n := 0
	if c.ListUserAgents {
		n++
	}
	if c.QueueStatus {
		n++
	}
	if c.SubmitJob != nil {
		n++
	}
	return n
}

// Response is the POST /v1/jobs reply. Message carries list and status payloads; URL,
// Filename and ExpiresAt describe an accepted submission.
type Response struct {
	Status    string     `json:"status"`
	Message   any        `json:"message,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	URL       string     `json:"url,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Reasons   []string   `json:"reasons,omitempty"`
}
