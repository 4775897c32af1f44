// Package analytics computes board statistics over a task and column
// snapshot. All functions are pure; the caller supplies the data and clock.
package analytics

import (
	"strings"
	"time"

	"collabflow/api/internal/store"
)

type ColumnCount struct {
	ColumnID   string `json:"columnId"`
	ColumnName string `json:"columnName"`
	Count      int    `json:"count"`
}

type Stats struct {
	Total        int            `json:"total"`
	Completed    int            `json:"completed"`
	HighPriority int            `json:"highPriority"`
	Overdue      int            `json:"overdue"`
	ByColumn     []ColumnCount  `json:"byColumn"`
	ByPriority   map[string]int `json:"byPriority"`
}

// IsDone reports whether a task counts as completed: either its own flag is
// set or it sits in a column whose name contains "done" or "complete".
func IsDone(task store.Task, columnName string) bool {
	if task.IsCompleted {
		return true
	}
	name := strings.ToLower(columnName)
	return strings.Contains(name, "done") || strings.Contains(name, "complete")
}

// IsOverdue reports whether a task has a due date in the past and does not
// count as completed.
func IsOverdue(task store.Task, columnName string, now time.Time) bool {
	if task.DueDate == nil {
		return false
	}
	return task.DueDate.Before(now) && !IsDone(task, columnName)
}

// Compute aggregates stats for one board. Tasks referencing columns missing
// from the snapshot still count toward totals; their column name is treated
// as empty.
func Compute(tasks []store.Task, columns []store.Column, now time.Time) Stats {
	columnNames := make(map[string]string, len(columns))
	for _, column := range columns {
		columnNames[column.ID] = column.Name
	}

	stats := Stats{ByPriority: make(map[string]int)}
	perColumn := make(map[string]int, len(columns))

	for _, task := range tasks {
		stats.Total++
		columnName := columnNames[task.ColumnID]
		if IsDone(task, columnName) {
			stats.Completed++
		}
		if task.Priority == "high" {
			stats.HighPriority++
		}
		if IsOverdue(task, columnName, now) {
			stats.Overdue++
		}
		stats.ByPriority[task.Priority]++
		perColumn[task.ColumnID]++
	}

	stats.ByColumn = make([]ColumnCount, 0, len(columns))
	for _, column := range columns {
		stats.ByColumn = append(stats.ByColumn, ColumnCount{
			ColumnID:   column.ID,
			ColumnName: column.Name,
			Count:      perColumn[column.ID],
		})
	}
	return stats
}
