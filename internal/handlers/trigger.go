// internal/handlers/trigger.go
package handlers

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/utils"
)

// maxIngestBatch caps how many drafts a single ingest call may carry.
const maxIngestBatch = 200

// TriggerHandler serves the endpoints called by external schedulers,
// version detectors and the mail provider's bounce webhook.
type TriggerHandler struct {
	queueService    *services.QueueService
	dispatchService *services.DispatchService
	versionService  *services.VersionService
	bounceService   *services.BounceService
}

func NewTriggerHandler(
	queueService *services.QueueService,
	dispatchService *services.DispatchService,
	versionService *services.VersionService,
	bounceService *services.BounceService,
) *TriggerHandler {
	return &TriggerHandler{
		queueService:    queueService,
		dispatchService: dispatchService,
		versionService:  versionService,
		bounceService:   bounceService,
	}
}

type enqueueTrigger struct {
	Type         string `json:"type" binding:"required,oneof=daily weekly"`
	LookbackDays int    `json:"lookback_days" binding:"omitempty,min=1,max=31"`
}

// POST /cron/enqueue
func (h *TriggerHandler) Enqueue(c *gin.Context) {
	var req enqueueTrigger
	if !bindJSON(c, &req) {
		return
	}

	emailType := models.EmailTypeDailyDigest
	lookback := req.LookbackDays
	if req.Type == "weekly" {
		emailType = models.EmailTypeWeeklyDigest
		if lookback == 0 {
			lookback = 7
		}
	}
	if lookback == 0 {
		lookback = 1
	}

	result, err := h.queueService.EnqueueDigests(c.Request.Context(), emailType, lookback)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, result)
}

// POST /cron/dispatch
func (h *TriggerHandler) Dispatch(c *gin.Context) {
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

// POST /cron/purge
func (h *TriggerHandler) Purge(c *gin.Context) {
	result, err := h.queueService.Purge(c.Request.Context(), 0)
	if err != nil {
		respondError(c, err, "queue_item")
		return
	}
	utils.SuccessResponse(c, result)
}

type ingestOutcome struct {
	Version string                `json:"version"`
	Created bool                  `json:"created"`
	Record  *models.VersionRecord `json:"record,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// POST /ingest/versions accepts a single draft or an array of drafts.
// Each draft is proposed independently; one bad draft does not reject the
// rest of the batch.
func (h *TriggerHandler) IngestVersions(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return
	}

	drafts, err := decodeDrafts(body)
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "input"), err.Error())
		return
	}
	if len(drafts) == 0 || len(drafts) > maxIngestBatch {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "drafts"), nil)
		return
	}

	outcomes := make([]ingestOutcome, 0, len(drafts))
	created := 0
	for i := range drafts {
		draft := &drafts[i]
		rec, isNew, err := h.versionService.Propose(c.Request.Context(), draft)
		out := ingestOutcome{Version: draft.Version, Created: isNew, Record: rec}
		if err != nil {
			out.Error = err.Error()
		}
		if isNew {
			created++
		}
		outcomes = append(outcomes, out)
	}

	utils.SuccessResponse(c, gin.H{
		"received": len(drafts),
		"created":  created,
		"results":  outcomes,
	})
}

func decodeDrafts(body []byte) ([]services.VersionDraft, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var drafts []services.VersionDraft
		if err := json.Unmarshal(trimmed, &drafts); err != nil {
			return nil, err
		}
		return drafts, nil
	}

	var draft services.VersionDraft
	if err := json.Unmarshal(trimmed, &draft); err != nil {
		return nil, err
	}
	return []services.VersionDraft{draft}, nil
}

// POST /webhooks/bounces
func (h *TriggerHandler) RecordBounce(c *gin.Context) {
	var event services.BounceEvent
	if !bindJSON(c, &event) {
		return
	}

	record, err := h.bounceService.RecordBounce(c.Request.Context(), &event)
	if err != nil {
		respondError(c, err, "user")
		return
	}
	utils.CreatedResponse(c, record)
}
