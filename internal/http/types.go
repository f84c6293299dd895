package http

import "time"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	TransactionManager bool   `json:"transaction_manager"`
	TaskScheduler      bool   `json:"task_scheduler"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version,omitempty"`
	Transactions TransactionsStatus `json:"transactions"`
	Recovery     *RecoveryStatus    `json:"recovery,omitempty"`
}

// TransactionsStatus describes the transaction manager.
type TransactionsStatus struct {
	Running    bool   `json:"running"`
	InFlight   int    `json:"in_flight"`
	Begun      uint64 `json:"begun"`
	Committed  uint64 `json:"committed"`
	RolledBack uint64 `json:"rolled_back"`
}

// RecoveryStatus describes the recoverer's counters.
type RecoveryStatus struct {
	InProgress bool       `json:"in_progress"`
	Executions int        `json:"executions"`
	Committed  int        `json:"committed"`
	RolledBack int        `json:"rolled_back"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}
