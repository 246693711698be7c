// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Common
	KeySuccess     = "success"
	KeyError       = "error"
	KeyRateLimited = "rate_limited"

	// Authentication
	KeyAuthRequired      = "auth.required"
	KeyAuthInvalidToken  = "auth.invalid_token"
	KeyAuthTokenExpired  = "auth.token_expired"
	KeyAuthInvalidSecret = "auth.invalid_secret"
	KeyAdminAccessDenied = "admin.access_denied"

	// Validation
	KeyValidationInvalid = "validation.invalid"

	// Resources
	KeyUserNotFound         = "user.not_found"
	KeyProductNotFound      = "product.not_found"
	KeyVersionNotFound      = "version.not_found"
	KeySubscriptionNotFound = "subscription.not_found"
	KeyQueueItemNotFound    = "queue_item.not_found"

	// Queue
	KeyQueueInvalidTransition = "queue.invalid_transition"
	KeyQueueSuppressed        = "queue.suppressed"
	KeyQueueDuplicate         = "queue.duplicate"

	// Digest
	KeyDigestSubject      = "digest.subject"
	KeyDigestSubjectQuiet = "digest.subject_quiet"
	KeyDigestSubjectTest  = "digest.subject_test"
	KeyDigestHeading      = "digest.heading"
	KeyDigestNewProducts  = "digest.new_products"
	KeyDigestSponsoredBy  = "digest.sponsored_by"
	KeyDigestViewAll      = "digest.view_all"
	KeyDigestManage       = "digest.manage"
	KeyDigestUnsubscribe  = "digest.unsubscribe"
)
