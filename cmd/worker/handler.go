package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/kiln/internal/upload"
)

type Processor interface {
	Process(ctx context.Context, job *upload.Job) error
}

// Handler handles one delivery of the upload queue.
//
// Deliveries are acknowledged when the job succeeds and rejected without
// requeueing otherwise. Retries happen inside the processor. Jobs cut short
// by ctx are requeued.
type Handler struct {
	Processor Processor // required
}

func (h *Handler) Run(ctx context.Context, m amqp091.Delivery) {
	job, err := decodeJob(m)
	if err != nil {
		slog.Error("", "err", err, "message_id", m.MessageId)
		_ = m.Nack(false, false)
		return
	}

	logger := slog.Default().With("message_id", m.MessageId, "version_id", job.VersionID)
	logger.Info("received job", "upload_type", job.Type)

	if err = h.Processor.Process(ctx, job); err != nil {
		if ctx.Err() != nil {
			logger.Info("requeueing interrupted job", "err", err)
			_ = m.Nack(false, true)
			return
		}
		logger.Error("", "err", err)
		_ = m.Nack(false, false)
		return
	}

	logger.Info("handled job")
	_ = m.Ack(false)
}

func decodeJob(m amqp091.Delivery) (*upload.Job, error) {
	type message struct {
		UserID     *uuid.UUID `json:"userId"`
		VersionID  *uuid.UUID `json:"versionId"`
		UploadType *string    `json:"uploadType"`
		Binary     string     `json:"binary"`
		Code       string     `json:"code"`
		Docker     string     `json:"docker"`
	}

	err := m.Headers.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	var msg message
	dec := json.NewDecoder(bytes.NewReader(m.Body))
	dec.DisallowUnknownFields()
	err = dec.Decode(&msg)
	if err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	if dec.More() {
		err = errors.New("multiple top-level values")
		return nil, fmt.Errorf("invalid body: %w", err)
	}

	// Body field userId.
	if msg.UserID == nil {
		return nil, fmt.Errorf("missing %s body field", "userId")
	}

	// Body field versionId.
	if msg.VersionID == nil {
		return nil, fmt.Errorf("missing %s body field", "versionId")
	}

	// Body field uploadType.
	if msg.UploadType == nil {
		return nil, fmt.Errorf("missing %s body field", "uploadType")
	}
	uploadType, err := upload.TypeFromString(*msg.UploadType)
	if err != nil {
		return nil, fmt.Errorf("invalid %s body field: %w", "uploadType", err)
	}

	return &upload.Job{
		UserID:    *msg.UserID,
		VersionID: *msg.VersionID,
		Type:      uploadType,
		Binary:    msg.Binary,
		Code:      msg.Code,
		Docker:    msg.Docker,
	}, nil
}
