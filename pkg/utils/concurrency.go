package utils

import (
	"go.uber.org/zap"
)

// SafeGo runs fn in a goroutine and logs instead of crashing if it panics.
func SafeGo(logger *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in goroutine",
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		fn()
	}()
}
