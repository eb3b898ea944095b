package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "FormationHub/internal/errors"
	"FormationHub/internal/observability/alerting"
	"FormationHub/internal/observability/metrics"
	"FormationHub/pkg/logger"
)

// Executor 是实际执行任务的外部 worker，返回值写入任务的 results。
type Executor interface {
	Execute(ctx context.Context, task *Task) (map[string]any, error)
}

// ExecutorFunc 允许使用普通函数作为 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (map[string]any, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

const defaultMaxAttempts = 3

// 任务处理结果，用作指标标签。
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeDegraded  = "degraded"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置可重试失败的最大执行次数。
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 返回错误时，队列会重新投递该消息。
func (p *Processor) handle(ctx context.Context, job Job) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Get(ctx, job.TaskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			p.logDebug("跳过不存在的任务", slog.String("task_id", job.TaskID))
			metrics.ObserveJob(job.Formation, outcomeSkipped)
			return nil
		}
		p.log().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", job.TaskID))
		p.emitAlert(ctx, job, xerrors.CodeOf(err), err, "load")
		metrics.ObserveJob(job.Formation, outcomeError)
		return err
	}
	if task.Formation != job.Formation {
		p.log().Warn("队列消息与任务所属 formation 不一致，跳过",
			slog.String("task_id", task.ID),
			slog.String("job_formation", job.Formation),
			slog.String("task_formation", task.Formation))
		metrics.ObserveJob(job.Formation, outcomeSkipped)
		return nil
	}
	if task.Status == StatusCompleted {
		p.logDebug("任务已完成，跳过", slog.String("task_id", task.ID))
		metrics.ObserveJob(job.Formation, outcomeSkipped)
		return nil
	}

	task.Status = StatusRunning
	if err := p.store.Save(ctx, task.Formation, task); err != nil {
		p.log().Error("标记任务运行状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		metrics.ObserveJob(job.Formation, outcomeError)
		return err
	}

	results, execErr := p.executor.Execute(ctx, cloneTask(task))
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, task, execErr)
	}

	task.Status = StatusCompleted
	task.Results = results
	if err := p.store.Save(ctx, task.Formation, task); err != nil {
		if !xerrors.RetryableError(err) {
			return p.failUnstorable(ctx, job, task, err)
		}
		p.log().Error("保存任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.emitAlert(ctx, job, xerrors.CodeOf(err), err, "complete")
		metrics.ObserveJob(job.Formation, outcomeError)
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("formation", task.Formation),
		slog.String("task_id", task.ID),
		slog.String("assigned_to", task.AssignedTo),
		slog.Int("attempt", job.Attempt+1),
	)
	metrics.ObserveJob(job.Formation, outcomeCompleted)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job Job, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	attempt := job.Attempt + 1
	terminal := !retryable || attempt >= p.maxAttempts

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, cloneTask(task), execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			p.log().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			p.emitAlert(ctx, job, CodeTaskCompensate, wrapped, "compensate")
		case fallback != nil:
			results := cloneResults(fallback)
			results["degraded"] = true
			results["cause"] = execErr.Error()
			task.Status = StatusCompleted
			task.Results = results
			if err := p.store.Save(ctx, task.Formation, task); err != nil {
				if !xerrors.RetryableError(err) {
					return p.failUnstorable(ctx, job, task, err)
				}
				p.log().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
				metrics.ObserveJob(job.Formation, outcomeError)
				return err
			}
			logger.Audit().Warn("任务降级完成",
				slog.String("formation", task.Formation),
				slog.String("task_id", task.ID),
				slog.String("error", execErr.Error()),
			)
			p.emitAlert(ctx, job, code, execErr, "degraded")
			metrics.ObserveJob(job.Formation, outcomeDegraded)
			return nil
		}
	}

	task.Results = map[string]any{
		"error":      execErr.Error(),
		"error_code": string(code),
		"attempts":   attempt,
	}
	if terminal {
		task.Status = StatusFailed
	} else {
		task.Status = StatusPending
	}
	if err := p.store.Save(ctx, task.Formation, task); err != nil {
		p.log().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		metrics.ObserveJob(job.Formation, outcomeError)
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("formation", task.Formation),
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", p.maxAttempts),
	)

	stage := "retry"
	if !retryable {
		stage = "non_retryable"
	} else if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, Job{Formation: job.Formation, TaskID: job.TaskID, Attempt: attempt}, code, execErr, stage)

	if terminal {
		metrics.ObserveJob(job.Formation, outcomeFailed)
		return nil
	}
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者，无法重投")
	}
	next := Job{Formation: job.Formation, TaskID: job.TaskID, Attempt: attempt}
	if pubErr := p.producer.Publish(ctx, next); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempt", attempt))
	metrics.ObserveJob(job.Formation, outcomeRetried)
	return nil
}

// failUnstorable 在结果无法写入且重试无效时（例如序列化失败）把任务标记为 failed，
// 返回 nil 让队列确认消息，避免同一结果被反复执行。
func (p *Processor) failUnstorable(ctx context.Context, job Job, task *Task, saveErr error) error {
	code := xerrors.CodeOf(saveErr)
	task.Status = StatusFailed
	task.Results = map[string]any{
		"error":      saveErr.Error(),
		"error_code": string(code),
		"attempts":   job.Attempt + 1,
	}
	if err := p.store.Save(ctx, task.Formation, task); err != nil {
		p.log().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		metrics.ObserveJob(job.Formation, outcomeError)
		return err
	}
	logger.Audit().Warn("任务结果无法保存",
		slog.String("formation", task.Formation),
		slog.String("task_id", task.ID),
		slog.String("error", saveErr.Error()),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, job, code, saveErr, "unstorable")
	metrics.ObserveJob(job.Formation, outcomeFailed)
	return nil
}

func (p *Processor) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return logger.L()
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	p.log().LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (p *Processor) emitAlert(ctx context.Context, job Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := make(map[string]string)
	if coded, ok := xerrors.From(cause); ok {
		for key, value := range coded.Metadata() {
			metadata[key] = value
		}
	}
	metadata["stage"] = stage
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
		metadata["retryable"] = strconv.FormatBool(xerrors.RetryableError(cause))
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		Formation:   job.Formation,
		TaskID:      job.TaskID,
		Attempt:     job.Attempt,
		MaxAttempts: p.maxAttempts,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", job.TaskID),
			slog.String("stage", stage),
		)
	}
}
