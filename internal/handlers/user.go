// internal/handlers/user.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/utils"
)

type UserHandler struct {
	userService         *services.UserService
	subscriptionService *services.SubscriptionService
	signingKey          string
}

func NewUserHandler(userService *services.UserService, subscriptionService *services.SubscriptionService, signingKey string) *UserHandler {
	return &UserHandler{
		userService:         userService,
		subscriptionService: subscriptionService,
		signingKey:          signingKey,
	}
}

// PUT /me/preferences
func (h *UserHandler) UpdatePreferences(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req services.UpdatePreferencesRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userService.UpdatePreferences(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, err, "user")
		return
	}
	utils.SuccessResponse(c, user)
}

// GET /subscriptions
func (h *UserHandler) ListSubscriptions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	subs, err := h.subscriptionService.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "subscription")
		return
	}
	utils.SuccessResponse(c, subs)
}

// POST /subscriptions
func (h *UserHandler) Track(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		ProductID uuid.UUID `json:"product_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	sub, err := h.subscriptionService.Track(c.Request.Context(), userID, req.ProductID)
	if err != nil {
		respondError(c, err, "product")
		return
	}
	utils.CreatedResponse(c, sub)
}

// DELETE /subscriptions/:product_id
func (h *UserHandler) Untrack(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	productID, ok := parseIDParam(c, "product_id")
	if !ok {
		return
	}

	if err := h.subscriptionService.Untrack(c.Request.Context(), userID, productID); err != nil {
		respondError(c, err, "subscription")
		return
	}
	utils.SuccessResponse(c, gin.H{"product_id": productID, "tracked": false})
}

// GET /unsubscribe?user=&token=
func (h *UserHandler) Unsubscribe(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userIDStr := c.Query("user")
	token := c.Query("token")

	userID, err := uuid.Parse(userIDStr)
	if err != nil || !utils.VerifyToken(h.signingKey, userID.String(), token) {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyValidationInvalid, "token"), nil)
		return
	}

	disabled := false
	if _, err := h.userService.UpdatePreferences(c.Request.Context(), userID, &services.UpdatePreferencesRequest{DigestEnabled: &disabled}); err != nil {
		respondError(c, err, "user")
		return
	}
	utils.SuccessResponse(c, gin.H{"user_id": userID, "digest_enabled": false})
}
