package models

import "time"

// JobEvent represents a state transition event for a job attempt
type JobEvent struct {
	ID         int64
	JobID      string
	LineageID  string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	MetaJSON   map[string]interface{} // Additional metadata
}
