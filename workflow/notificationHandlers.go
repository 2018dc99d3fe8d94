package workflow

import (
	"errors"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/models"
	"github.com/labstock/labstock_backend/utils"
)

// mail template ids per notification kind, resolved by the relay on the
// receiving side.
var notificationTemplates = map[string]string{
	models.NotificationKindLoanCreated:        "loan-created",
	models.NotificationKindLoanReturned:       "loan-returned",
	models.NotificationKindDueDateChanged:     "due-date-changed",
	models.NotificationKindDueDateApproaching: "due-date-approaching",
	models.NotificationKindClearanceDeclared:  "clearance-declared",
	models.NotificationKindClearancePending:   "clearance-pending-items",
}

// deliverNotification sends one outbox record through the mail transport.
// Errors are classified for the retry policy: unknown kinds, malformed
// payloads and invalid recipients are permanent; everything the transport
// reports is assumed transient (connection drops, greylisting).
func deliverNotification(record *models.NotificationRecord) error {
	templateId, ok := notificationTemplates[record.Kind]
	if !ok {
		return utils.ErrUnsupportedEvent
	}

	data, err := record.TemplateData()
	if err != nil {
		return err
	}

	mailer := config.GetMailer()
	if mailer == nil {
		return errors.New("mail transport not configured")
	}

	if err := mailer.Send(data, record.Recipient, record.Subject, templateId); err != nil {
		if errors.Is(err, config.ErrInvalidRecipient) {
			return err
		}
		return utils.NewTransientDeliveryError(err)
	}
	return nil
}
