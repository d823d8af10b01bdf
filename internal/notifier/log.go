package notifier

import (
	"context"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// LogPublisher はイベントをログに出力するだけのPublisherです。ENV=LOCAL用です
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, events []model.PropertyEvent) error {
	for _, e := range events {
		p.log.Info("property event",
			"type", e.Type,
			"property_id", e.PropertyID,
			"reservation_id", e.ReservationID,
			"recipients", e.Recipients(),
			"reason", e.Reason,
		)
	}
	return nil
}
