// Package main is the entry point for the audit worker Lambda.
//
// The worker consumes EntitlementChanged events from the entitlement SQS
// queue and appends them to app_change_log. Inserts are keyed by event id,
// so SQS redelivery never produces duplicate rows.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/kelseyhightower/envconfig"

	"breathofnow/internal/config"
	"breathofnow/internal/db"
	"breathofnow/internal/types"
)

// ChangeLogWriter persists audit rows. Insert reports false for a duplicate.
type ChangeLogWriter interface {
	Insert(ctx context.Context, entry types.AppChangeLogEntry) (bool, error)
}

// Handler holds the dependencies of the audit worker.
type Handler struct {
	store  ChangeLogWriter
	logger *slog.Logger
}

// Handle processes a batch. Messages whose insert failed are reported in
// BatchItemFailures so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage returns an error only for failures worth retrying. A body
// that can never be stored is logged and acknowledged.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var evt types.EntitlementChanged
	if err := json.Unmarshal([]byte(record.Body), &evt); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed entitlement event",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}
	if evt.EventID == "" || evt.UserID == "" || !evt.Action.Valid() {
		h.logger.ErrorContext(ctx, "dropping incomplete entitlement event",
			"message_id", record.MessageId,
			"event_id", evt.EventID,
			"action", string(evt.Action),
		)
		return nil
	}

	inserted, err := h.store.Insert(ctx, evt.ToLogEntry())
	if err != nil {
		return fmt.Errorf("insert app change %s: %w", evt.EventID, err)
	}

	h.logger.InfoContext(ctx, "entitlement change recorded",
		"event_id", evt.EventID,
		"user_id", evt.UserID,
		"action", string(evt.Action),
		"app_id", evt.AppID,
		"duplicate", !inserted,
		"request_id", evt.RequestID,
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("audit worker initializing (cold start)")

	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		logger.Error("failed to read database configuration", "error", err)
		os.Exit(1)
	}
	if dbCfg.URL.IsZero() {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := db.NewPool(context.Background(), dbCfg)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		store:  db.NewAppChangeLogRepository(pool),
		logger: logger,
	}

	logger.Info("audit worker initialized", "max_conns", dbCfg.MaxConns)
	lambda.Start(handler.Handle)
}
