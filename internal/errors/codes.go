package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	// CodeStorageUnavailable 表示存储介质无法打开、读取或写入。
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	// CodeSerialization 表示 results 无法与 JSON 文本互相转换。
	CodeSerialization Code = "SERIALIZATION_FAILED"
	// CodeBusy 表示在超时前未能获取存储锁。
	CodeBusy            Code = "STORE_BUSY"
	CodeQueueFailure    Code = "QUEUE_FAILURE"
	CodeExecutorFailure Code = "EXECUTOR_FAILURE"
)

// Severity 描述错误的严重程度，决定告警日志级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为，New 时会复制到错误实例上。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, false, true},
		CodeStorageUnavailable:    {"storage unavailable", SeverityCritical, true, true},
		CodeSerialization:         {"results serialization failed", SeverityInfo, false, false},
		CodeBusy:                  {"task store busy", SeverityWarning, true, false},
		CodeQueueFailure:          {"dispatch queue failure", SeverityCritical, true, true},
		CodeExecutorFailure:       {"executor failure", SeverityWarning, true, true},
	}
)

// Register 供业务包在 init 中登记自己的错误码，重复登记时覆盖。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认行为，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
