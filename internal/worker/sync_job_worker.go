package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"queryprism/internal/model"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/platform/rabbitmq"
)

// SyncRunner executes one folder-sync job and records its outcome.
type SyncRunner interface {
	RunSync(ctx context.Context, job model.SyncJob) error
}

// SyncJobWorker consumes sync jobs one at a time.
type SyncJobWorker struct {
	conn      *amqp.Connection
	runner    SyncRunner
	queueName string
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncJobWorker(conn *amqp.Connection, runner SyncRunner, queueName string, log *zap.Logger) *SyncJobWorker {
	return &SyncJobWorker{
		conn:      conn,
		runner:    runner,
		queueName: queueName,
		log:       logger.Module(log, "sync-worker"),
	}
}

func (w *SyncJobWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	// a sync can take minutes; hold one unacked job at a time
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.log.Warn("delivery channel closed")
					return
				}
				if err := w.Handle(workerCtx, d.Body); err != nil {
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	w.log.Info("worker started", zap.String("queue", w.queueName))
	return nil
}

// Handle decodes and runs one job body. A returned error means the
// delivery should be dropped.
func (w *SyncJobWorker) Handle(ctx context.Context, body []byte) error {
	var job model.SyncJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.log.Error("decode sync job failed", zap.Error(err))
		return fmt.Errorf("decode sync job failed: %w", err)
	}
	if job.JobID == "" || job.TenantID == "" {
		w.log.Error("sync job missing ids", zap.ByteString("body", body))
		return fmt.Errorf("sync job missing job_id or tenant_id")
	}

	log := w.log.With(zap.String("job_id", job.JobID), zap.String("tenant_id", job.TenantID))
	log.Info("sync job received")
	if err := w.runner.RunSync(ctx, job); err != nil {
		log.Error("sync job failed", zap.Error(err))
		return err
	}
	log.Info("sync job done")
	return nil
}

func (w *SyncJobWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
