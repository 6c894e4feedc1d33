package client

import (
	"github.com/loykin/barnr/internal/backup"
	"github.com/loykin/barnr/internal/supervisor"
)

// Status is the JSON body of GET /instances/:name.
type Status = supervisor.Status

// BridgeStatus is one element of GET /bridges.
type BridgeStatus = supervisor.BridgeStatus

// SchedulerState is the JSON body of GET /scheduler.
type SchedulerState = backup.State

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
