package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"installment-service/internal/models"
	"installment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing plan events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func planKey(planID string) string {
	return fmt.Sprintf("plan-%s", planID)
}

// PublishPlanCreated publishes a plan_new event
func (ep *EventPublisher) PublishPlanCreated(ctx context.Context, event *models.PlanCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, planKey(event.PlanID), event)
}

// PublishInstallmentPaid publishes an inst_paid event
func (ep *EventPublisher) PublishInstallmentPaid(ctx context.Context, event *models.InstallmentPaidEvent) error {
	return ep.producer.PublishEvent(ctx, planKey(event.PlanID), event)
}

// PublishInstallmentFailed publishes an inst_failed event
func (ep *EventPublisher) PublishInstallmentFailed(ctx context.Context, event *models.InstallmentPaidEvent) error {
	return ep.producer.PublishEvent(ctx, planKey(event.PlanID), event)
}

// CommandPublisher enqueues collection commands for the worker
type CommandPublisher struct {
	producer *Producer
}

// NewCommandPublisher creates a new command publisher
func NewCommandPublisher(producer *Producer) *CommandPublisher {
	return &CommandPublisher{producer: producer}
}

// PublishCollectInstallment publishes a collect_installment command
func (cp *CommandPublisher) PublishCollectInstallment(ctx context.Context, cmd *models.CollectInstallmentCommand) error {
	return cp.producer.PublishEvent(ctx, planKey(cmd.PlanID), cmd)
}

// LogPublisher writes plan events to the log instead of Kafka
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher for deployments without Kafka
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

func (lp *LogPublisher) log(event interface{}, eventType, planID string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	lp.logger.Info("Plan event",
		zap.String("event_type", eventType),
		zap.String("plan_id", planID),
		zap.ByteString("payload", payload))
	return nil
}

func (lp *LogPublisher) PublishPlanCreated(ctx context.Context, event *models.PlanCreatedEvent) error {
	return lp.log(event, event.EventType, event.PlanID)
}

func (lp *LogPublisher) PublishInstallmentPaid(ctx context.Context, event *models.InstallmentPaidEvent) error {
	return lp.log(event, event.EventType, event.PlanID)
}

func (lp *LogPublisher) PublishInstallmentFailed(ctx context.Context, event *models.InstallmentPaidEvent) error {
	return lp.log(event, event.EventType, event.PlanID)
}

// CommandHandler handles incoming collection commands
type CommandHandler struct {
	onCollectInstallment func(context.Context, *models.CollectInstallmentCommand) error
	logger               *zap.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler() *CommandHandler {
	return &CommandHandler{logger: util.GetLogger()}
}

// OnCollectInstallment registers a handler for collect_installment commands
func (ch *CommandHandler) OnCollectInstallment(handler func(context.Context, *models.CollectInstallmentCommand) error) {
	ch.onCollectInstallment = handler
}

// HandleMessage routes messages to appropriate handlers
func (ch *CommandHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	ch.logger.Debug("Handling message",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCollectInstallment:
		if ch.onCollectInstallment != nil {
			var cmd models.CollectInstallmentCommand
			if err := json.Unmarshal(msg.Value, &cmd); err != nil {
				return fmt.Errorf("failed to unmarshal collect_installment command: %w", err)
			}
			return ch.onCollectInstallment(ctx, &cmd)
		}

	default:
		ch.logger.Warn("Unhandled message type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
