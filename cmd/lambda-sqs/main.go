//go:build lambda

package main

import (
	"context"
	"errors"
	"fmt"
	"guildsync/internal/app"
	"guildsync/internal/types"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const closeTimeout = 10 * time.Second

// LambdaHandler applies write intents delivered through SQS.
type LambdaHandler struct {
	App *app.App
}

// intentMessage is the body of one SQS message.
type intentMessage struct {
	Key             types.ConfigKey `json:"key"`
	ExpectedVersion *int64          `json:"expectedVersion"`
	Patch           types.Payload   `json:"patch"`
	Replace         bool            `json:"replace"`
}

func main() {
	app.LoadEnv()

	ctx := context.Background()
	a, err := app.FromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}()

	handler := &LambdaHandler{App: a}
	lambda.Start(handler.HandleSQSEvent)
}

// HandleSQSEvent applies every message of the batch. Messages that can be retried are reported
// as batch item failures; rejected intents are logged and dropped.
func (h *LambdaHandler) HandleSQSEvent(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	log.Infof("Processing batch of %d messages", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure
	for _, record := range sqsEvent.Records {
		err := h.processMessage(ctx, record)
		if err == nil {
			continue
		}
		logger := log.WithError(err).WithField("messageID", record.MessageId)
		if !retryable(err) {
			logger.Warn("Write intent rejected")
			continue
		}
		logger.Error("Failed to process message")
		batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}

	// Announcements of this batch go out before the runtime freezes the instance.
	if err := h.App.Notifier.Flush(ctx); err != nil {
		log.WithError(err).Warn("notifications still pending at end of batch")
	}
	return events.SQSEventResponse{BatchItemFailures: batchItemFailures}, nil
}

func (h *LambdaHandler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg intentMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		return types.Err(types.ErrValidation, err, "parse message body")
	}

	log.WithFields(log.Fields{
		"key":       msg.Key,
		"messageID": record.MessageId,
		"replace":   msg.Replace,
	}).Debug("Processing message")

	var (
		doc *types.Document
		err error
	)
	if msg.Replace {
		doc, err = h.App.Service.Replace(ctx, msg.Key, msg.ExpectedVersion, msg.Patch)
	} else {
		doc, err = h.App.Service.Patch(ctx, msg.Key, msg.ExpectedVersion, msg.Patch)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", msg.Key, err)
	}
	log.WithFields(log.Fields{
		"key":       doc.Key,
		"version":   doc.Version,
		"messageID": record.MessageId,
	}).Info("Write intent applied")
	return nil
}

// retryable reports whether redelivering the message could succeed. Only storage failures
// qualify; conflicts, invalid keys and invalid payloads fail the same way every time.
func retryable(err error) bool {
	return errors.Is(err, types.ErrIOFailure)
}
