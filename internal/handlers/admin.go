// internal/handlers/admin.go
package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/utils"
)

type AdminHandler struct {
	queueService    *services.QueueService
	dispatchService *services.DispatchService
	digestService   *services.DigestService
	bounceService   *services.BounceService
	userService     *services.UserService
	archives        ArchiveLinker
}

// ArchiveLinker signs download links for purged queue archives.
type ArchiveLinker interface {
	GeneratePresignedURL(key string, expiration time.Duration) (string, error)
}

// archiveLinkTTL bounds how long a purge response's download links work.
const archiveLinkTTL = time.Hour

func NewAdminHandler(
	queueService *services.QueueService,
	dispatchService *services.DispatchService,
	digestService *services.DigestService,
	bounceService *services.BounceService,
	userService *services.UserService,
	archives ArchiveLinker,
) *AdminHandler {
	return &AdminHandler{
		queueService:    queueService,
		dispatchService: dispatchService,
		digestService:   digestService,
		bounceService:   bounceService,
		userService:     userService,
		archives:        archives,
	}
}

// GET /admin/queue/summary
func (h *AdminHandler) QueueSummary(c *gin.Context) {
	summary, err := h.queueService.QueueSummary(c.Request.Context())
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.SuccessResponse(c, summary)
}

// GET /admin/queue
func (h *AdminHandler) ListQueue(c *gin.Context) {
	params := utils.GetPaginationParams(c)
	listParams := services.QueueListParams{
		PaginationParams: params,
		Status:           models.QueueStatus(c.Query("status")),
		EmailType:        models.EmailType(c.Query("email_type")),
	}
	if userIDStr := c.Query("user_id"); userIDStr != "" {
		if userID, err := uuid.Parse(userIDStr); err == nil {
			listParams.UserID = &userID
		}
	}

	items, total, err := h.queueService.List(c.Request.Context(), listParams)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.PaginatedResponse(c, utils.CreatePaginationResult(items, total, params))
}

// GET /admin/queue/:id
func (h *AdminHandler) GetQueueItem(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	item, err := h.queueService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, item)
}

// POST /admin/queue/:id/cancel
func (h *AdminHandler) CancelQueueItem(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.queueService.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, gin.H{"id": id, "status": models.QueueStatusCancelled})
}

// POST /admin/queue/requeue
func (h *AdminHandler) RequeueFailed(c *gin.Context) {
	var req struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	count, err := h.queueService.RequeueFailed(c.Request.Context(), req.IDs...)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, gin.H{"requeued": count})
}

// POST /admin/queue/dispatch
func (h *AdminHandler) Dispatch(c *gin.Context) {
	var opts services.DispatchOptions
	if c.Request.ContentLength > 0 && !bindJSON(c, &opts) {
		return
	}

	result, err := h.dispatchService.DispatchPending(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, result)
}

// GET /admin/users/:id/digest-preview?lookback_days=N
func (h *AdminHandler) PreviewDigest(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	lookback, err := strconv.Atoi(c.DefaultQuery("lookback_days", "1"))
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "lookback_days"), nil)
		return
	}

	payload, err := h.digestService.BuildDigestPayload(c.Request.Context(), id, lookback)
	if err != nil {
		respondError(c, err, "user")
		return
	}
	utils.SuccessResponse(c, payload)
}

// POST /admin/users/:id/test-digest
func (h *AdminHandler) SendTestDigest(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	result, err := h.queueService.EnqueueTestDigest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "user")
		return
	}
	if result.Suppressed {
		lang := utils.GetLangFromContext(c)
		utils.ConflictResponse(c, i18n.T(lang, i18n.KeyQueueSuppressed))
		return
	}
	utils.CreatedResponse(c, result)
}

// GET /admin/users/:id/bounces
func (h *AdminHandler) GetBounces(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, err := h.userService.GetUserByID(c.Request.Context(), id); err != nil {
		respondError(c, err, "user")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	records, err := h.bounceService.BouncesForUser(c.Request.Context(), id, limit)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	utils.SuccessResponse(c, records)
}

// POST /admin/users
func (h *AdminHandler) CreateSubscriber(c *gin.Context) {
	var req services.CreateSubscriberRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userService.CreateSubscriber(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err, "user")
		return
	}
	utils.CreatedResponse(c, user)
}

// POST /admin/queue/purge?older_than_days=N
func (h *AdminHandler) Purge(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	days, err := strconv.Atoi(c.DefaultQuery("older_than_days", "0"))
	if err != nil || days < 0 {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "older_than_days"), nil)
		return
	}

	result, err := h.queueService.Purge(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, purgeResponse{PurgeResult: result, ArchiveLinks: h.archiveLinks(result.ArchiveKeys)})
}

type purgeResponse struct {
	*services.PurgeResult
	ArchiveLinks map[string]string `json:"archive_links,omitempty"`
}

// archiveLinks presigns each archive key. Keys that fail to sign are left
// out; the key itself is still in the response.
func (h *AdminHandler) archiveLinks(keys []string) map[string]string {
	if h.archives == nil || len(keys) == 0 {
		return nil
	}
	links := make(map[string]string, len(keys))
	for _, key := range keys {
		link, err := h.archives.GeneratePresignedURL(key, archiveLinkTTL)
		if err != nil {
			continue
		}
		links[key] = link
	}
	return links
}
