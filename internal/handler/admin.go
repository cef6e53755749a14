package handler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/pkg/response"
)

// AdminHandler exposes the runtime queue controls: inspect pool occupancy,
// retune concurrency and timeouts, pause and resume admission.
type AdminHandler struct {
	cache     *queue.ConfigCache
	queues    map[model.Stage]service.StageQueue
	validator *validator.Validate
}

func NewAdminHandler(cache *queue.ConfigCache, queues map[model.Stage]service.StageQueue, v *validator.Validate) *AdminHandler {
	return &AdminHandler{
		cache:     cache,
		queues:    queues,
		validator: v,
	}
}

// ListQueues handles GET /api/admin/queues
// @Summary      List stage queues
// @Description  Current occupancy and runtime config of every stage pool
// @Tags         Admin
// @Produce      json
// @Success      200 {array} model.QueueStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/queues [get]
func (h *AdminHandler) ListQueues(c *fiber.Ctx) error {
	out := make([]*model.QueueStatusResponse, 0, len(h.queues))
	for _, stage := range []model.Stage{model.StageImage, model.StageModel} {
		q, ok := h.queues[stage]
		if !ok {
			continue
		}
		out = append(out, h.queueStatus(c, stage, q))
	}
	return response.OK(c, out)
}

// GetQueue handles GET /api/admin/queues/:stage
// @Summary      Get stage queue
// @Tags         Admin
// @Produce      json
// @Param        stage path string true "Stage name (image or model)"
// @Success      200 {object} model.QueueStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/queues/{stage} [get]
func (h *AdminHandler) GetQueue(c *fiber.Ctx) error {
	stage, q, ok := h.lookupQueue(c)
	if !ok {
		return response.NotFound(c, "Unknown stage")
	}
	return response.OK(c, h.queueStatus(c, stage, q))
}

// UpdateQueue handles PATCH /api/admin/queues/:stage
// @Summary      Update stage queue config
// @Description  Patch concurrency, timeout or retry settings; live within the cache TTL
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        stage path string true "Stage name (image or model)"
// @Param        request body model.QueueConfigPatch true "Config patch"
// @Success      200 {object} model.QueueStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/queues/{stage} [patch]
func (h *AdminHandler) UpdateQueue(c *fiber.Ctx) error {
	stage, q, ok := h.lookupQueue(c)
	if !ok {
		return response.NotFound(c, "Unknown stage")
	}

	var patch model.QueueConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&patch); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if _, err := h.cache.UpdateConfig(c.Context(), stage, &patch); err != nil {
		return handleServiceError(c, err)
	}

	return response.OK(c, h.queueStatus(c, stage, q))
}

// PauseQueue handles POST /api/admin/queues/:stage/pause
// @Summary      Pause stage admission
// @Tags         Admin
// @Produce      json
// @Param        stage path string true "Stage name (image or model)"
// @Success      200 {object} model.QueueStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/queues/{stage}/pause [post]
func (h *AdminHandler) PauseQueue(c *fiber.Ctx) error {
	return h.setPaused(c, true)
}

// ResumeQueue handles POST /api/admin/queues/:stage/resume
// @Summary      Resume stage admission
// @Tags         Admin
// @Produce      json
// @Param        stage path string true "Stage name (image or model)"
// @Success      200 {object} model.QueueStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/queues/{stage}/resume [post]
func (h *AdminHandler) ResumeQueue(c *fiber.Ctx) error {
	return h.setPaused(c, false)
}

func (h *AdminHandler) setPaused(c *fiber.Ctx, paused bool) error {
	stage, q, ok := h.lookupQueue(c)
	if !ok {
		return response.NotFound(c, "Unknown stage")
	}

	patch := model.QueueConfigPatch{Paused: &paused}
	if _, err := h.cache.UpdateConfig(c.Context(), stage, &patch); err != nil {
		return handleServiceError(c, err)
	}

	return response.OK(c, h.queueStatus(c, stage, q))
}

func (h *AdminHandler) lookupQueue(c *fiber.Ctx) (model.Stage, service.StageQueue, bool) {
	stage := model.Stage(c.Params("stage"))
	q, ok := h.queues[stage]
	return stage, q, ok
}

func (h *AdminHandler) queueStatus(c *fiber.Ctx, stage model.Stage, q service.StageQueue) *model.QueueStatusResponse {
	snap := q.Status(c.Context())
	cfg := h.cache.GetConfig(c.Context(), stage)
	return &model.QueueStatusResponse{
		Stage:             stage,
		Pending:           snap.Pending,
		Running:           snap.Running,
		MaxConcurrency:    cfg.MaxConcurrency,
		Paused:            cfg.Paused,
		JobTimeoutSec:     int(cfg.JobTimeout / time.Second),
		MaxRetries:        cfg.MaxRetries,
		RetryBaseDelaySec: int(cfg.RetryBaseDelay / time.Second),
		RetryMaxDelaySec:  int(cfg.RetryMaxDelay / time.Second),
		UpdatedAt:         cfg.UpdatedAt,
	}
}
