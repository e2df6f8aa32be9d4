package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/bulk-dispatcher/internal/contacts"
	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 20

type DispatchEngine interface {
	StartAsync(ctx context.Context, cfg domain.RunConfig) (string, <-chan error, error)
	Pause()
	Resume()
	Stop()
	Status() domain.DispatchStatus
}

type ContactParser interface {
	Parse(r io.Reader, format contacts.Format) (contacts.Result, error)
}

// RunHistory is optional; run history routes are only registered when one is configured.
type RunHistory interface {
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Run, error)
}

// DispatchHandler serves the operator surface. Runs are started on baseCtx,
// not on the request context, so they outlive the request that started them.
type DispatchHandler struct {
	baseCtx   context.Context
	engine    DispatchEngine
	parser    ContactParser
	history   RunHistory
	uploadDir string
	logger    *zap.Logger

	mu      sync.Mutex
	pending *pendingUpload
}

type pendingUpload struct {
	contacts       []string
	message        string
	attachmentPath string
}

func NewDispatchHandler(
	baseCtx context.Context,
	engine DispatchEngine,
	parser ContactParser,
	history RunHistory,
	uploadDir string,
	logger *zap.Logger,
) (*DispatchHandler, error) {
	if engine == nil {
		return nil, fmt.Errorf("dispatch engine is required")
	}
	if parser == nil {
		return nil, fmt.Errorf("contact parser is required")
	}
	if strings.TrimSpace(uploadDir) == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchHandler{
		baseCtx:   baseCtx,
		engine:    engine,
		parser:    parser,
		history:   history,
		uploadDir: uploadDir,
		logger:    logger,
	}, nil
}

func RegisterDispatchRoutes(router fiber.Router, h *DispatchHandler) {
	v1 := router.Group("/v1")
	v1.Post("/uploads", h.Upload)
	v1.Post("/runs", h.StartRun)
	v1.Post("/runs/pause", h.Pause)
	v1.Post("/runs/resume", h.Resume)
	v1.Post("/runs/stop", h.Stop)
	v1.Get("/status", h.Status)

	if h.history != nil {
		v1.Get("/runs", h.ListRuns)
		v1.Get("/runs/:id", h.GetRun)
	}
}

type startRunRequest struct {
	Contacts       []string `json:"contacts"`
	Message        string   `json:"message"`
	AttachmentPath string   `json:"attachmentPath"`
}

type startRunResponse struct {
	RunID string `json:"runId"`
	Total int    `json:"total"`
}

type uploadResponse struct {
	Contacts       int    `json:"contacts"`
	Rejected       int    `json:"rejected"`
	Duplicates     int    `json:"duplicates"`
	AttachmentPath string `json:"attachmentPath,omitempty"`
}

type runResponse struct {
	ID             string     `json:"id"`
	Phase          string     `json:"phase"`
	Total          int        `json:"total"`
	Sent           int        `json:"sent"`
	Skipped        int        `json:"skipped"`
	Failed         int        `json:"failed"`
	Message        string     `json:"message"`
	AttachmentPath *string    `json:"attachmentPath,omitempty"`
	Error          *string    `json:"error,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Upload accepts a contacts file (csv or xlsx), an optional image and an
// optional message, and keeps them as the pending run input.
func (h *DispatchHandler) Upload(c *fiber.Ctx) error {
	contactsFile, err := c.FormFile("contacts")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "contacts file is required")
	}

	format, err := contacts.FormatFromFilename(contactsFile.Filename)
	if err != nil {
		return toHTTPError(err)
	}

	file, err := contactsFile.Open()
	if err != nil {
		return fmt.Errorf("failed to open contacts upload: %w", err)
	}
	defer file.Close()

	result, err := h.parser.Parse(file, format)
	if err != nil {
		return toHTTPError(err)
	}

	upload := &pendingUpload{
		contacts: result.Numbers,
		message:  strings.TrimSpace(c.FormValue("message")),
	}

	if image, err := c.FormFile("image"); err == nil {
		if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
			return fmt.Errorf("failed to create upload dir: %w", err)
		}
		path := filepath.Join(h.uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(image.Filename)))
		if err := c.SaveFile(image, path); err != nil {
			return fmt.Errorf("failed to store image upload: %w", err)
		}
		upload.attachmentPath = path
	}

	h.mu.Lock()
	h.pending = upload
	h.mu.Unlock()

	h.logger.Info("contacts uploaded",
		zap.Int("contacts", len(result.Numbers)),
		zap.Int("rejected", result.Rejected),
		zap.Int("duplicates", result.Duplicates),
		zap.Bool("image", upload.attachmentPath != ""),
	)

	return c.Status(fiber.StatusOK).JSON(uploadResponse{
		Contacts:       len(result.Numbers),
		Rejected:       result.Rejected,
		Duplicates:     result.Duplicates,
		AttachmentPath: upload.attachmentPath,
	})
}

// StartRun starts a run from the request body. Fields left empty are filled
// from the pending upload.
func (h *DispatchHandler) StartRun(c *fiber.Ctx) error {
	var req startRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	cfg := h.runConfig(req)
	runID, done, err := h.engine.StartAsync(h.baseCtx, cfg)
	if err != nil {
		return toHTTPError(err)
	}

	go func() {
		if err := <-done; err != nil {
			h.logger.Error("dispatch run ended with error", zap.String("runId", runID), zap.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(startRunResponse{RunID: runID, Total: len(cfg.Contacts)})
}

func (h *DispatchHandler) Pause(c *fiber.Ctx) error {
	h.engine.Pause()
	return c.Status(fiber.StatusOK).JSON(h.engine.Status())
}

func (h *DispatchHandler) Resume(c *fiber.Ctx) error {
	h.engine.Resume()
	return c.Status(fiber.StatusOK).JSON(h.engine.Status())
}

func (h *DispatchHandler) Stop(c *fiber.Ctx) error {
	h.engine.Stop()
	return c.Status(fiber.StatusOK).JSON(h.engine.Status())
}

func (h *DispatchHandler) Status(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.engine.Status())
}

func (h *DispatchHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}

	runs, err := h.history.ListRecent(c.Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": out})
}

func (h *DispatchHandler) GetRun(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if _, err := uuid.Parse(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid run id")
	}

	run, err := h.history.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toRunResponse(run))
}

func (h *DispatchHandler) runConfig(req startRunRequest) domain.RunConfig {
	cfg := domain.RunConfig{
		Contacts:       req.Contacts,
		Message:        req.Message,
		AttachmentPath: req.AttachmentPath,
	}

	h.mu.Lock()
	pending := h.pending
	h.mu.Unlock()
	if pending == nil {
		return cfg
	}

	if len(cfg.Contacts) == 0 {
		cfg.Contacts = pending.contacts
	}
	if strings.TrimSpace(cfg.Message) == "" {
		cfg.Message = pending.message
	}
	if strings.TrimSpace(cfg.AttachmentPath) == "" {
		cfg.AttachmentPath = pending.attachmentPath
	}
	return cfg
}

func toRunResponse(run *domain.Run) runResponse {
	return runResponse{
		ID:             run.ID,
		Phase:          run.Phase.String(),
		Total:          run.Total,
		Sent:           run.Sent,
		Skipped:        run.Skipped,
		Failed:         run.Failed,
		Message:        run.Message,
		AttachmentPath: run.AttachmentPath,
		Error:          run.Error,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLoggedOut), errors.Is(err, domain.ErrNotConnected):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
