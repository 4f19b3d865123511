package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RetryLogger 将 go-retryablehttp 的 LeveledLogger 接口桥接到 logrus，
// 保证重试日志与主日志同格式输出。
type RetryLogger struct {
	entry *logrus.Entry
}

// NewRetryLogger 以 action 字段区分重试来源。
func NewRetryLogger(logger *logrus.Logger, action string) *RetryLogger {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &RetryLogger{entry: logger.WithField("action", action)}
}

func (l *RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l *RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

// Debug 级别的重试细节（每次请求）降为 Trace，避免刷屏。
func (l *RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Trace(msg)
}

func (l *RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l *RetryLogger) with(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields[key] = nil
			continue
		}
		value := keysAndValues[i+1]
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		fields[key] = value
	}
	return l.entry.WithFields(fields)
}
