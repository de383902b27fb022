package models

import "time"

// Agent is a durable scheduled-prompt definition.
type Agent struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Schedule    string     `json:"schedule"`
	Enabled     bool       `json:"enabled"`
	OwnerUserID *string    `json:"ownerUserId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	LastStatus  string     `json:"lastStatus,omitempty"`
}

// ExecutionStatus is the lifecycle state of an agent execution.
type ExecutionStatus string

// Agent execution statuses.
const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// AgentExecutionLog records one agent run.
type AgentExecutionLog struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agentId"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
	TraceCount      int             `json:"traceCount"`
	ResponsePreview string          `json:"responsePreview,omitempty"`
	Traces          []Trace         `json:"traces,omitempty"`
}
