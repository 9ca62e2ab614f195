package notifier

import (
	"context"
	"log"
	"os"

	"vehicle-radar/internal/model"
)

// LogNotifier 仅打印新车源与告警，适合未配置 Telegram 时的开发阶段使用。
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时默认输出到标准输出。
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// NotifyVehicle 打印单条新车源信息。
func (n LogNotifier) NotifyVehicle(ctx context.Context, v model.Vehicle) error {
	price := 0
	if v.Price != nil {
		price = *v.Price
	}
	n.logger.Printf("new vehicle: %s %s %s price=%d km=%d %s", v.Make, v.ModelName, v.Token, price, v.KM, v.Link)
	return nil
}

// Alert 打印运维告警。
func (n LogNotifier) Alert(ctx context.Context, text string) error {
	n.logger.Printf("alert: %s", text)
	return nil
}
