package alert

import (
	"context"

	"checkout/internal/logger"

	"go.uber.org/zap"
)

// Service 在补偿进入不可自愈状态时通知值班。
// 真实接入（钉钉/PagerDuty 等）由外部实现，这里只约定协作接口。
type Service interface {
	NotifyCriticalCompensationFailure(ctx context.Context, orderNo, stepName string, cause error)
}

// LogAlert 默认实现：打 Error 级结构化日志，靠日志告警规则兜底。
type LogAlert struct{}

func (LogAlert) NotifyCriticalCompensationFailure(_ context.Context, orderNo, stepName string, cause error) {
	logger.Log.Error("critical compensation failure, manual intervention required",
		zap.String("order_no", orderNo),
		zap.String("step", stepName),
		zap.Error(cause),
	)
}
