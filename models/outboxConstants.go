package models

// Delivery statuses for NotificationRecord.DeliveryStatus.
// Keep these as strings (DB values) for backwards compatibility.
// FAILED marks a permanent failure that was never worth a retry; DEAD marks a
// transient failure that exhausted its retries.
const (
	NotificationStatusPending    = "PENDING"
	NotificationStatusProcessing = "PROCESSING"
	NotificationStatusSent       = "SENT"
	NotificationStatusFailed     = "FAILED"
	NotificationStatusDead       = "DEAD"
)

// Notification kinds. Each kind maps to a handler in workflow and a mail
// template id on the relay side.
const (
	NotificationKindLoanCreated        = "LOAN_CREATED"
	NotificationKindLoanReturned       = "LOAN_RETURNED"
	NotificationKindDueDateChanged     = "DUE_DATE_CHANGED"
	NotificationKindDueDateApproaching = "DUE_DATE_APPROACHING"
	NotificationKindClearanceDeclared  = "CLEARANCE_DECLARED"
	NotificationKindClearancePending   = "CLEARANCE_PENDING_ITEMS"
)
