package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	pkgkafka "FinAgent/pkg/kafka"
	"FinAgent/pkg/logger"
)

// ControlCommand is the payload of the control topic.
type ControlCommand struct {
	Action string `json:"action"`
	Stage  string `json:"stage"`
}

type resetter interface {
	RequestReset(stage models.Stage) error
}

// KafkaControlHandler applies operator commands received on the control topic.
type KafkaControlHandler struct {
	topic   string
	ladder  models.Ladder
	target  resetter
	metrics domrepo.Metrics
	log     *logger.Logger
}

func NewKafkaControlHandler(topic string, ladder models.Ladder, target resetter, metrics domrepo.Metrics, log *logger.Logger) *KafkaControlHandler {
	return &KafkaControlHandler{topic: topic, ladder: ladder, target: target, metrics: metrics, log: log.With("control")}
}

func (h *KafkaControlHandler) Topic() string { return h.topic }

// Handle rejects malformed commands without retrying them.
func (h *KafkaControlHandler) Handle(ctx context.Context, b []byte) error {
	var cmd ControlCommand
	if err := json.Unmarshal(b, &cmd); err != nil {
		h.metrics.RecordError("control_unmarshal")
		h.log.Warn("bad control message", logger.Error(err))
		return nil
	}
	switch cmd.Action {
	case "reset":
		stage, err := h.ladder.ParseStage(cmd.Stage)
		if err != nil {
			h.metrics.RecordError("control_stage")
			h.log.Warn("bad reset stage", logger.String("stage", cmd.Stage), logger.Error(err))
			return nil
		}
		if err := h.target.RequestReset(stage); err != nil {
			return fmt.Errorf("request reset %s: %w", stage, err)
		}
		h.log.Info("reset requested", logger.String("stage", stage.String()))
	default:
		h.metrics.RecordError("control_action")
		h.log.Warn("unknown control action", logger.String("action", cmd.Action))
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaControlHandler)(nil)
