package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ProcessStatus represents the status of a detached process
type ProcessStatus string

const (
	ProcessStatusRunning ProcessStatus = "running"
	ProcessStatusStopped ProcessStatus = "stopped"
)

// ExecutionMode identifies how a command was run
type ExecutionMode string

const (
	ExecutionModeExecute       ExecutionMode = "execute"
	ExecutionModeSafeExecute   ExecutionMode = "safe_execute"
	ExecutionModeBackground    ExecutionMode = "background"
	ExecutionModeDetachedStart ExecutionMode = "detached_start"
	ExecutionModeDetachedStop  ExecutionMode = "detached_stop"
	ExecutionModeUpload        ExecutionMode = "upload"
	ExecutionModeDownload      ExecutionMode = "download"
)

// Process is the persisted handle of a detached process
type Process struct {
	ID         string        `json:"id"`
	HostName   string        `json:"host_name"` // inventory name, empty for ad-hoc hosts
	Address    string        `json:"address"`
	Port       int           `json:"port"`
	User       string        `json:"user"`
	Command    string        `json:"command"`
	Status     ProcessStatus `json:"status"`
	ExitStatus *int          `json:"exit_status,omitempty"` // exit status of the kill
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  *time.Time    `json:"stopped_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Execution is one entry of the execution journal
type Execution struct {
	ID         string        `json:"id"`
	Host       string        `json:"host"` // user@address:port
	Mode       ExecutionMode `json:"mode"`
	Command    string        `json:"command"`
	ExitStatus *int          `json:"exit_status,omitempty"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Error      *string       `json:"error,omitempty"`
	ProcessID  *string       `json:"process_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Process operations
	CreateProcess(ctx context.Context, process *Process) error
	GetProcess(ctx context.Context, id string) (*Process, error)
	ListProcesses(ctx context.Context, status *ProcessStatus, limit, offset int) ([]*Process, error)
	MarkProcessStopped(ctx context.Context, id string, exitStatus *int) error
	DeleteProcess(ctx context.Context, id string) error

	// Execution journal
	RecordExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, host *string, limit, offset int) ([]*Execution, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
