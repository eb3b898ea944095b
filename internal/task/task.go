package task

import (
	"strings"
	"time"

	xerrors "FormationHub/internal/errors"
)

// Status 是任务的状态标签，存储层不强制任何状态机。
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task 是持久化的任务记录，按 formation 分区。
type Task struct {
	ID          string         `json:"id"`
	Formation   string         `json:"formation"`
	Description string         `json:"description"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Status      Status         `json:"status"`
	Results     map[string]any `json:"results"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrStorageUnavailable 表示底层存储无法打开、读取或写入。
	ErrStorageUnavailable = xerrors.New(xerrors.CodeStorageUnavailable, "")
	// ErrSerialization 表示 results 无法编码或解码。
	ErrSerialization = xerrors.New(xerrors.CodeSerialization, "")
	// ErrBusy 表示在等待时限内未能获取存储锁。
	ErrBusy = xerrors.New(xerrors.CodeBusy, "")
	// ErrInvalidTask 表示任务参数不完整。
	ErrInvalidTask = xerrors.New(xerrors.CodeInvalidArgument, "")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:   "task compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// validate 检查写入前的必填字段。
func validate(formation string, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if strings.TrimSpace(formation) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "formation 不能为空")
	}
	return nil
}

func cloneResults(results map[string]any) map[string]any {
	cloned := make(map[string]any, len(results))
	for key, value := range results {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Results = cloneResults(task.Results)
	return &clone
}

// Clone 返回任务的副本，results 为浅拷贝。
func (t *Task) Clone() *Task {
	return cloneTask(t)
}
