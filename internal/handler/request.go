package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/middleware"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/pkg/response"
)

type RequestHandler struct {
	service   *service.RequestService
	validator *validator.Validate
}

func NewRequestHandler(svc *service.RequestService, v *validator.Validate) *RequestHandler {
	return &RequestHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/requests
// @Summary      Create generation request
// @Description  Submit a prompt and start asynchronous image generation
// @Tags         Requests
// @Accept       json
// @Produce      json
// @Param        request body model.CreateRequestRequest true "Generation request"
// @Success      202 {object} model.RequestResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests [post]
func (h *RequestHandler) Create(c *fiber.Ctx) error {
	var req model.CreateRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreateRequest(c.Context(), middleware.GetUserID(c), req.Prompt)
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.Accepted(c, result)
}

// List handles GET /api/requests
// @Summary      List generation requests
// @Description  List the caller's generation requests, oldest first
// @Tags         Requests
// @Produce      json
// @Success      200 {array} model.RequestResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests [get]
func (h *RequestHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListRequests(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/requests/:id
// @Summary      Get generation request
// @Description  Get one generation request with its artifacts
// @Tags         Requests
// @Produce      json
// @Param        id path string true "Request ID"
// @Success      200 {object} model.RequestResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests/{id} [get]
func (h *RequestHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	result, err := h.service.GetRequest(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.OK(c, result)
}

// SelectImage handles POST /api/requests/:id/select
// @Summary      Select image for 3D generation
// @Description  Pick one completed image by ordinal and start model generation
// @Tags         Requests
// @Accept       json
// @Produce      json
// @Param        id path string true "Request ID"
// @Param        request body model.SelectImageRequest true "Image selection"
// @Success      202 {object} model.RequestResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests/{id}/select [post]
func (h *RequestHandler) SelectImage(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	var req model.SelectImageRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if req.Ordinal == nil {
		return response.ValidationError(c, "Ordinal is required", nil)
	}

	result, err := h.service.SelectImage(c.Context(), middleware.GetUserID(c), id, *req.Ordinal)
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.Accepted(c, result)
}

// Cancel handles POST /api/requests/:id/cancel
// @Summary      Cancel generation request
// @Description  Cancel a pending or image-generating request
// @Tags         Requests
// @Produce      json
// @Param        id path string true "Request ID"
// @Success      200 {object} model.CancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests/{id}/cancel [post]
func (h *RequestHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.OK(c, result)
}

// Retry handles POST /api/requests/:id/retry
// @Summary      Retry failed request
// @Description  Re-run the stage a failed request died in
// @Tags         Requests
// @Produce      json
// @Param        id path string true "Request ID"
// @Success      202 {object} model.RequestResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests/{id}/retry [post]
func (h *RequestHandler) Retry(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	result, err := h.service.Retry(c.Context(), middleware.GetUserID(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return response.Accepted(c, result)
}

// Delete handles DELETE /api/requests/:id
// @Summary      Delete generation request
// @Description  Delete a terminal request and its stored artifacts
// @Tags         Requests
// @Produce      json
// @Param        id path string true "Request ID"
// @Success      204
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/requests/{id} [delete]
func (h *RequestHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	if err := h.service.DeleteRequest(c.Context(), middleware.GetUserID(c), id); err != nil {
		return handleServiceError(c, err)
	}

	return response.NoContent(c)
}

// handleServiceError maps service errors to HTTP responses.
func handleServiceError(c *fiber.Ctx, err error) error {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return response.ValidationError(c, ve.Error(), nil)
	}
	if apperr.IsNotFound(err) {
		return response.NotFound(c, err.Error())
	}
	if apperr.IsInvalidState(err) {
		return response.InvalidState(c, err.Error())
	}
	if apperr.IsConflict(err) {
		return response.Conflict(c, err.Error())
	}
	var pe *apperr.ProviderError
	if errors.As(err, &pe) {
		return response.ProviderError(c, pe.Error())
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
