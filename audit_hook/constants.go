package audithook

// Action constants for audit events.
const (
	// Balance actions
	ActionCreditsDeducted      = "credits.deducted"
	ActionCreditsGranted       = "credits.granted"
	ActionCreditsRefunded      = "credits.refunded"
	ActionInsufficientCredits  = "credits.insufficient"
	ActionReconciliationNeeded = "credits.reconciliation_needed"

	// Checkout actions
	ActionCheckoutCreated = "checkout.created"
	ActionCheckoutSettled = "checkout.settled"
	ActionCheckoutExpired = "checkout.expired"
	ActionCheckoutFailed  = "checkout.failed"

	// Provider actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceAccount  = "account"
	ResourceCheckout = "checkout"
	ResourceWebhook  = "webhook"
)

// Category constants for audit events.
const (
	CategoryUsage       = "usage"
	CategoryBilling     = "billing"
	CategoryPayment     = "payment"
	CategoryIntegration = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
