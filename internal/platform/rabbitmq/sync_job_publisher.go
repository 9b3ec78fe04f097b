package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"queryprism/internal/model"
)

type SyncJobPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewSyncJobPublisher(conn *amqp.Connection, queueName string) *SyncJobPublisher {
	return &SyncJobPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *SyncJobPublisher) Publish(ctx context.Context, job model.SyncJob) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareQueue(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal sync job failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			MessageId:    job.JobID,
			Timestamp:    job.RequestedAt,
		},
	); err != nil {
		return fmt.Errorf("publish sync job failed: %w", err)
	}
	return nil
}
