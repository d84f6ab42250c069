// Package model defines the domain types shared by the import pipeline,
// the persistence layer and the HTTP surface.
package model

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ErrTaskNotFound is returned when a task identity is unknown to the ledger.
var ErrTaskNotFound = errors.New("task not found")

// Record is a normalized catalog row ready for upsert.
//
// SKU is the natural key; uniqueness is case-insensitive, so "SKU001" and
// "sku001" name the same logical record. Description and Price carry
// pgtype validity flags: Valid=false maps to NULL in the store.
type Record struct {
	SKU         string
	Name        string
	Description pgtype.Text
	Price       pgtype.Numeric
	Active      bool
}

// TaskStatus is the lifecycle state of one import task.
// Status only moves forward: pending → processing → completed | failed.
// Terminal states are absorbing.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the durable ledger entry for one import job.
type Task struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	Filename      string     `json:"filename"`
	Status        TaskStatus `json:"status"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

// Progress is the ephemeral in-flight view of one running import.
// It is published more often than the ledger is persisted and disappears
// when the job reaches a terminal state; callers fall back to the ledger.
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}
