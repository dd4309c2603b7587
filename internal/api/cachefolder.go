package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/httputil"
	"github.com/nvia/catalogd/internal/placement"
)

// CacheFolderHandler serves the cache-root administration endpoints.
type CacheFolderHandler struct {
	roots cacheroot.Repository
	log   zerolog.Logger
}

// NewCacheFolderHandler creates a cache-folder handler.
func NewCacheFolderHandler(roots cacheroot.Repository, log zerolog.Logger) *CacheFolderHandler {
	return &CacheFolderHandler{roots: roots, log: log}
}

// cacheRootResponse is the wire shape for a CacheRoot.
type cacheRootResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AbsolutePath string `json:"absolutePath"`
	Priority     int    `json:"priority"`
	MaxBytes     *int64 `json:"maxBytes"`
	CurrentBytes int64  `json:"currentBytes"`
	FileCount    int    `json:"fileCount"`
	Active       bool   `json:"active"`
}

func toCacheRootResponse(r cacheroot.CacheRoot) cacheRootResponse {
	return cacheRootResponse{
		ID:           r.ID,
		Name:         r.Name,
		AbsolutePath: r.AbsolutePath,
		Priority:     r.Priority,
		MaxBytes:     r.MaxBytes,
		CurrentBytes: r.CurrentBytes,
		FileCount:    r.FileCount,
		Active:       r.Active,
	}
}

type createCacheFolderRequest struct {
	Name         string `json:"name"`
	AbsolutePath string `json:"absolutePath"`
	Priority     int    `json:"priority"`
	MaxBytes     *int64 `json:"maxBytes"`
}

// Create handles POST /api/v1/cache-folders. It validates the candidate path before registering the root, the same
// check Validate exposes standalone.
func (h *CacheFolderHandler) Create(c fiber.Ctx) error {
	var body createCacheFolderRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if body.Name == "" || body.AbsolutePath == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "name and absolutePath are required")
	}

	validation, err := placement.ValidatePath(c.Context(), body.AbsolutePath)
	if err != nil {
		h.log.Error().Err(err).Str("path", body.AbsolutePath).Msg("Failed to validate cache folder path")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !validation.Valid {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, validation.Reason)
	}

	existing, err := h.roots.List(c.Context(), false)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list cache folders for nesting check")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if placement.NestedInExisting(body.AbsolutePath, existing) {
		return mapCacheRootError(c, h.log, cacheroot.ErrNested, "")
	}

	root, err := h.roots.Create(c.Context(), cacheroot.CreateParams{
		Name:         body.Name,
		AbsolutePath: body.AbsolutePath,
		Priority:     body.Priority,
		MaxBytes:     body.MaxBytes,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create cache folder")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toCacheRootResponse(*root))
}

type updateCacheFolderRequest struct {
	Name        *string `json:"name"`
	Priority    *int    `json:"priority"`
	MaxBytes    *int64  `json:"maxBytes"`
	SetMaxBytes bool    `json:"setMaxBytes"`
	Active      *bool   `json:"active"`
}

// Update handles PUT /api/v1/cache-folders/:id.
func (h *CacheFolderHandler) Update(c fiber.Ctx) error {
	id := c.Params("id")

	var body updateCacheFolderRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	if body.Active != nil {
		if err := h.roots.SetActive(c.Context(), id, *body.Active); err != nil {
			return mapCacheRootError(c, h.log, err, id)
		}
	}

	root, err := h.roots.Update(c.Context(), id, cacheroot.UpdateParams{
		Name:        body.Name,
		Priority:    body.Priority,
		MaxBytes:    body.MaxBytes,
		SetMaxBytes: body.SetMaxBytes,
	})
	if err != nil {
		return mapCacheRootError(c, h.log, err, id)
	}

	return httputil.Success(c, toCacheRootResponse(*root))
}

// Delete handles DELETE /api/v1/cache-folders/:id. Callers are responsible for evicting the root's entries first
// (per Repository.Delete's contract); this endpoint only removes the definition.
func (h *CacheFolderHandler) Delete(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.roots.Delete(c.Context(), id); err != nil {
		return mapCacheRootError(c, h.log, err, id)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type validatePathRequest struct {
	Path string `json:"path"`
}

// Validate handles POST /api/v1/cache-folders/validate.
func (h *CacheFolderHandler) Validate(c fiber.Ctx) error {
	var body validatePathRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if body.Path == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "path is required")
	}

	validation, err := placement.ValidatePath(c.Context(), body.Path)
	if err != nil {
		h.log.Error().Err(err).Str("path", body.Path).Msg("Failed to validate cache folder path")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, toPathValidationResponse(*validation))
}

// pathValidationResponse is the wire shape of cacheroot.PathValidation.
type pathValidationResponse struct {
	Valid       bool   `json:"valid"`
	Exists      bool   `json:"exists"`
	Writable    bool   `json:"writable"`
	IsDirectory bool   `json:"isDirectory"`
	FreeBytes   int64  `json:"freeBytes"`
	Reason      string `json:"reason,omitempty"`
}

func toPathValidationResponse(v cacheroot.PathValidation) pathValidationResponse {
	return pathValidationResponse{
		Valid:       v.Valid,
		Exists:      v.Exists,
		Writable:    v.Writable,
		IsDirectory: v.IsDirectory,
		FreeBytes:   v.FreeBytes,
		Reason:      v.Reason,
	}
}

func mapCacheRootError(c fiber.Ctx, log zerolog.Logger, err error, id string) error {
	switch {
	case errors.Is(err, cacheroot.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Cache folder not found")
	case errors.Is(err, cacheroot.ErrNested):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	default:
		log.Error().Err(err).Str("cache_root_id", id).Msg("Cache folder operation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
