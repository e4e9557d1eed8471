package worker

import (
	"context"
	"errors"

	"installment-service/internal/apperrors"
	"installment-service/internal/broker"
	"installment-service/internal/models"
	"installment-service/internal/service"
	"installment-service/internal/util"

	"go.uber.org/zap"
)

// Collector is the part of the payment engine the worker drives
type Collector interface {
	CollectInstallment(ctx context.Context, caller string, req *service.CollectRequest) (*service.CollectResult, error)
}

// CollectionWorker consumes collect_installment commands and runs them
// through the payment engine under the worker's automation identity.
type CollectionWorker struct {
	consumer *broker.Consumer
	handler  *broker.CommandHandler
	engine   Collector
	identity string
	logger   *zap.Logger
}

// NewCollectionWorker creates a new collection worker. consumer may be nil
// when commands are fed through HandleCollect directly.
func NewCollectionWorker(consumer *broker.Consumer, engine Collector, identity string) *CollectionWorker {
	w := &CollectionWorker{
		consumer: consumer,
		handler:  broker.NewCommandHandler(),
		engine:   engine,
		identity: identity,
		logger:   util.GetLogger(),
	}
	w.handler.OnCollectInstallment(w.HandleCollect)
	return w
}

// Handler returns the message handler that decodes and routes commands
func (w *CollectionWorker) Handler() *broker.CommandHandler {
	return w.handler
}

// Start starts the worker
func (w *CollectionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting collection worker", zap.String("identity", w.identity))
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *CollectionWorker) Stop() error {
	w.logger.Info("Stopping collection worker")
	return w.consumer.Close()
}

// HandleCollect runs one command. Outcomes that a retry cannot change are
// logged and acknowledged; collaborator and system failures are returned so
// the consumer hands the same message back. A debit whose outcome is unknown
// is acknowledged: running it again could pay the merchant twice.
func (w *CollectionWorker) HandleCollect(ctx context.Context, cmd *models.CollectInstallmentCommand) error {
	ctx, span := util.StartSpan(ctx, "CollectionWorker.HandleCollect")
	defer span.End()

	result, err := w.engine.CollectInstallment(ctx, w.identity, &service.CollectRequest{
		PlanID:            cmd.PlanID,
		InstallmentNumber: cmd.InstallmentNumber,
		MerchantOverride:  cmd.MerchantOverride,
	})

	fields := []zap.Field{
		zap.String("plan_id", cmd.PlanID),
		zap.Int("installment", cmd.InstallmentNumber),
		zap.String("command_id", cmd.EventID),
	}

	switch {
	case err == nil:
		w.logger.Info("Installment collected",
			append(fields,
				zap.String("source", string(*result.PaymentSource)),
				zap.String("shares_used", result.SharesUsed.String()))...)
		return nil
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		w.logger.Warn("Installment defaulted", fields...)
		return nil
	case errors.Is(err, apperrors.ErrDebitOutcomeUnknown):
		w.logger.Error("Collection aborted, collateral needs reconciliation", append(fields, zap.Error(err))...)
		return nil
	case retryable(err):
		w.logger.Error("Collection failed, will retry", append(fields, zap.Error(err))...)
		return err
	default:
		w.logger.Warn("Collection rejected", append(fields, zap.Error(err))...)
		return nil
	}
}

func retryable(err error) bool {
	return errors.Is(err, apperrors.ErrBufferContract) || errors.Is(err, apperrors.ErrInternal)
}
