package task

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "FormationHub/internal/errors"
)

// Job 是派发队列中的消息，指向某个 formation 下的任务。
type Job struct {
	Formation string `json:"formation"`
	TaskID    string `json:"task_id"`
	// Attempt 从 0 开始，每次重投加一。
	Attempt int `json:"attempt,omitempty"`
}

// Handler 处理来自消息队列的任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能够报告积压消息数量的队列实现。
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

func (j Job) validate() error {
	if strings.TrimSpace(j.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if strings.TrimSpace(j.Formation) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "formation 不能为空")
	}
	return nil
}

func encodeJob(job Job) ([]byte, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerialization, err, "编码队列消息失败")
	}
	return payload, nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeSerialization, err, "解析队列消息失败")
	}
	if err := job.validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
