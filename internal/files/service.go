package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	nanoid "github.com/jaevor/go-nanoid"

	"github.com/Tyrowin/gochat/internal/model"
	"github.com/Tyrowin/gochat/internal/store"
)

const (
	transferIDLength = 21
	sniffLength      = 3072
)

// Service validates uploads, writes payloads to Blobs and records transfers.
type Service struct {
	blobs     Blobs
	transfers store.FileTransferStore
	maxSize   int64
	newID     func() string
	logger    *slog.Logger
}

// NewService creates the file service.
func NewService(blobs Blobs, transfers store.FileTransferStore, maxSize int64, logger *slog.Logger) (*Service, error) {
	gen, err := nanoid.Standard(transferIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{
		blobs:     blobs,
		transfers: transfers,
		maxSize:   maxSize,
		newID:     gen,
		logger:    logger,
	}, nil
}

// MaxSize returns the configured upload limit in bytes.
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Upload validates and stores a payload from sender to recipient. size is
// the declared length; the stored length must match it.
func (s *Service) Upload(ctx context.Context, senderID, recipientID int64, name string, size int64, r io.Reader) (*model.FileTransfer, error) {
	if recipientID <= 0 {
		return nil, model.NewValidationError("Recipient ID is required")
	}
	if recipientID == senderID {
		return nil, model.NewValidationError("Cannot send a file to yourself")
	}

	v := Validate(name, size, s.maxSize)
	if !v.Valid {
		return nil, model.NewValidationError("File rejected", v.Issues...)
	}

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, model.NewValidationError("Failed to read upload")
	}
	head = head[:n]

	detected, blocked := Sniff(head)
	if blocked {
		return nil, model.NewValidationError("File rejected",
			fmt.Sprintf("File content %s is not allowed for security reasons", detected))
	}
	contentType := v.MIMEType
	if contentType == "application/octet-stream" {
		contentType = detected
	}

	id := s.newID()
	key := v.Category + "/" + id + v.Extension
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxSize+1)

	written, err := s.blobs.Put(ctx, key, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if written != size {
		s.discard(ctx, key)
		return nil, model.NewValidationError("File rejected",
			fmt.Sprintf("Received %d bytes, expected %d", written, size))
	}

	t := &model.FileTransfer{
		ID:          id,
		SenderID:    senderID,
		RecipientID: recipientID,
		FileName:    SafeName(name),
		FilePath:    key,
		FileSize:    written,
		FileType:    contentType,
	}
	if err := s.transfers.CreateFileTransfer(ctx, t); err != nil {
		s.discard(ctx, key)
		return nil, err
	}

	s.logger.Info("file stored",
		slog.String("transfer_id", id),
		slog.Int64("sender_id", senderID),
		slog.Int64("recipient_id", recipientID),
		slog.Int64("size", written),
	)
	return t, nil
}

// Open returns the transfer and its payload. Only the sender and recipient
// may read it; a read by the recipient marks the transfer completed.
func (s *Service) Open(ctx context.Context, transferID string, userID int64) (*model.FileTransfer, io.ReadCloser, error) {
	t, err := s.transfers.FindFileTransfer(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}
	if userID != t.SenderID && userID != t.RecipientID {
		return nil, nil, model.NewForbiddenError("You are not a party to this transfer")
	}

	rc, err := s.blobs.Open(ctx, t.FilePath)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil, model.NewNotFoundError("File")
	}
	if err != nil {
		return nil, nil, err
	}

	if userID == t.RecipientID && t.Status != store.TransferCompleted {
		if err := s.transfers.CompleteFileTransfer(ctx, t.ID); err != nil {
			s.logger.Warn("failed to mark transfer completed",
				slog.String("transfer_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return t, rc, nil
}

// List returns transfers sent or received by userID.
func (s *Service) List(ctx context.Context, userID int64, limit int) ([]*model.FileTransfer, error) {
	return s.transfers.ListFileTransfers(ctx, userID, limit)
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to discard upload", slog.String("key", key), slog.String("error", err.Error()))
	}
}
