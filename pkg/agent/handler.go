package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/disk"

	"riptide/agent/pkg/config"
	"riptide/agent/pkg/proto"
	"riptide/agent/pkg/store"
	"riptide/agent/pkg/upload"
)

// ShareStore is the subset of the share registry the engine needs.
type ShareStore interface {
	GetShare(ctx context.Context, fileID uint32) (store.Share, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]store.Share, error)
}

type Uploader interface {
	Upload(ctx context.Context, fileID uint32, url string) error
}

// MessageHandler turns one inbound message into at most one reply. A nil
// reply means nothing is sent back. Handle must return promptly once ctx is
// done; a closing session abandons handlers after its abort grace.
type MessageHandler interface {
	Handle(ctx context.Context, msg proto.Message) (proto.Message, error)
}

const readyMessage = "Ready to upload"

type Handler struct {
	cfg      config.AgentConfig
	store    ShareStore
	uploader Uploader
	logger   *log.Logger
	stats    *Stats

	// freeSpace reports free bytes under path; nil disables the figure.
	freeSpace func(ctx context.Context, path string) (uint64, error)
}

func NewHandler(cfg config.AgentConfig, st ShareStore, up Uploader, logger *log.Logger, stats *Stats) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		cfg:       cfg,
		store:     st,
		uploader:  up,
		logger:    logger,
		stats:     stats,
		freeSpace: diskFree,
	}
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (h *Handler) Handle(ctx context.Context, msg proto.Message) (proto.Message, error) {
	switch m := msg.(type) {
	case proto.UploadTo:
		return h.uploadTo(ctx, m)
	case proto.MetadataReq:
		return h.metadata(ctx, m)
	case proto.AuthReq:
		return proto.AuthRes{PublicID: m.PublicID, Passcode: []byte(h.cfg.PrivateKey)}, nil
	case proto.StatusReq:
		return h.status(ctx, m), nil
	case proto.Ok:
		h.logger.Debug("ok received")
		return nil, nil
	case proto.Error:
		h.logger.Error("central api reported an error", "error_kind", m.ErrKind, "reason", m.Reason)
		return nil, nil
	default:
		h.logger.Warn("unsupported message", "kind", msg.Kind())
		return nil, nil
	}
}

func (h *Handler) uploadTo(ctx context.Context, m proto.UploadTo) (proto.Message, error) {
	uploadID := lastSegment(m.UploadURL)
	share, err := h.store.GetShare(ctx, m.FileID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("upload requested for unknown share", "file_id", m.FileID, "upload_id", uploadID)
		return proto.Error{ErrKind: proto.FileDoesntExist, Reason: uploadID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upload_to %d: %w", m.FileID, err)
	}

	h.logger.Info("upload requested", "file_id", m.FileID, "file_name", share.FileName, "size", share.FileSize, "upload_id", uploadID)
	err = h.uploader.Upload(ctx, m.FileID, m.UploadURL)
	switch {
	case err == nil:
		h.stats.uploadDone(true)
		return nil, nil
	case errors.Is(err, upload.ErrDuplicate):
		return nil, nil
	case ctx.Err() != nil:
		h.logger.Debug("upload abandoned", "file_id", m.FileID, "err", err)
		return nil, nil
	default:
		h.stats.uploadDone(false)
		h.logger.Error("upload failed", "file_id", m.FileID, "upload_id", uploadID, "err", err)
		return proto.Error{ErrKind: proto.UploadFailed, Reason: uploadID}, nil
	}
}

func (h *Handler) metadata(ctx context.Context, m proto.MetadataReq) (proto.Message, error) {
	share, err := h.store.GetShare(ctx, m.FileID)
	if errors.Is(err, store.ErrNotFound) {
		return proto.Error{ErrKind: proto.FileDoesntExist}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata %d: %w", m.FileID, err)
	}
	return proto.MetadataRes{
		FileID:   share.FileID,
		Exp:      uint64(share.Exp),
		Crt:      uint64(share.Crt),
		FileSize: share.FileSize,
		Username: share.UserName,
		FileName: share.FileName,
		UploadID: m.UploadID,
	}, nil
}

func (h *Handler) status(ctx context.Context, m proto.StatusReq) proto.StatusRes {
	res := proto.StatusRes{
		PublicID: h.cfg.PublicID,
		Ready:    true,
		UploadID: m.UploadID,
		Message:  readyMessage,
	}
	if info, ok := sessionFrom(ctx); ok {
		res.Uptime = uint64(time.Since(info.ConnectedAt).Seconds())
	}
	if h.freeSpace != nil && h.cfg.FileStoreLocation != "" {
		if free, err := h.freeSpace(ctx, h.cfg.FileStoreLocation); err == nil {
			res.Message = fmt.Sprintf("%s, %s free", readyMessage, humanBytes(free))
		}
	}
	return res
}

// lastSegment returns what follows the final '/', which the Central API
// uses as the upload id.
func lastSegment(url string) string {
	return url[strings.LastIndexByte(url, '/')+1:]
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
