package task

import (
	"fmt"
	"strings"
)

// LoadOptions narrows the records returned by Store.Load. The zero value
// returns every task of the formation.
type LoadOptions struct {
	Statuses   []Status
	AssignedTo string
	Limit      int
	Offset     int
}

// applyDefaults sanitizes the options.
func (opts *LoadOptions) applyDefaults() {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	opts.AssignedTo = strings.TrimSpace(opts.AssignedTo)
}

// LoadOption mutates LoadOptions.
type LoadOption func(*LoadOptions)

// WithStatuses keeps only tasks whose status is one of the given labels.
func WithStatuses(statuses ...Status) LoadOption {
	return func(opts *LoadOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithAssignee keeps only tasks assigned to the given agent.
func WithAssignee(agentID string) LoadOption {
	return func(opts *LoadOptions) {
		opts.AssignedTo = agentID
	}
}

// WithLimit caps the number of returned tasks. Zero means no cap.
func WithLimit(limit int) LoadOption {
	return func(opts *LoadOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks.
func WithOffset(offset int) LoadOption {
	return func(opts *LoadOptions) {
		opts.Offset = offset
	}
}

// buildLoadOptions applies option functions on top of defaults.
func buildLoadOptions(opts []LoadOption) LoadOptions {
	options := LoadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// matches reports whether an already-loaded task passes the filters.
func (opts LoadOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AssignedTo != "" && task.AssignedTo != opts.AssignedTo {
		return false
	}
	return true
}

// page applies offset and limit to an ordered slice.
func (opts LoadOptions) page(tasks []*Task) []*Task {
	if opts.Offset >= len(tasks) {
		return tasks[:0]
	}
	tasks = tasks[opts.Offset:]
	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks
}

// filterClause renders the filters as SQL conditions appended after the
// formation predicate.
func (opts LoadOptions) filterClause() (string, []any) {
	var builder strings.Builder
	args := make([]any, 0, len(opts.Statuses)+1)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		builder.WriteString(fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AssignedTo != "" {
		builder.WriteString(" AND assigned_to = ?")
		args = append(args, opts.AssignedTo)
	}
	return builder.String(), args
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		status = Status(strings.TrimSpace(string(status)))
		if status == "" {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
