package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/yukin371/streamgate/pkg/logger"
)

// LoggingMiddleware 日志中间件
func LoggingMiddleware(log *logger.Logger) MiddlewareFunc {
	return func(next EventHandler) EventHandler {
		return func(ctx context.Context, event Event) error {
			start := time.Now()
			err := next(ctx, event)
			if err != nil {
				log.Warn("event handler failed: %s (%v): %v", event.GetType(), time.Since(start), err)
			} else {
				log.Debug("event handled: %s (%v)", event.GetType(), time.Since(start))
			}
			return err
		}
	}
}

// RecoveryMiddleware 恢复中间件（捕获 panic 并转为错误）
func RecoveryMiddleware(log *logger.Logger) MiddlewareFunc {
	return func(next EventHandler) EventHandler {
		return func(ctx context.Context, event Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
					log.Error("panic in %s handler: %v", event.GetType(), r)
				}
			}()
			return next(ctx, event)
		}
	}
}
