package notify

import (
	"context"
	"fmt"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Confirmation is the data a booking confirmation email is built from.
type Confirmation struct {
	To           string
	PatientName  string
	BusinessName string
	SlotLabel    string
	Motif        string
}

// Service composes and sends booking confirmations. A nil sender makes
// it a no-op.
type Service struct {
	sender EmailSender
	logger *logging.Logger
}

// NewService wires the email provider.
func NewService(sender EmailSender, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{sender: sender, logger: logger}
}

// SendBookingConfirmation emails the patient. Errors are logged, never
// returned: the booking already happened.
func (s *Service) SendBookingConfirmation(ctx context.Context, c Confirmation) {
	if s == nil || s.sender == nil || c.To == "" {
		return
	}
	msg := EmailMessage{
		To:      c.To,
		ToName:  c.PatientName,
		Subject: fmt.Sprintf("Confirmation de rendez-vous - %s", c.BusinessName),
		Body: fmt.Sprintf(
			"Bonjour %s,\n\nVotre rendez-vous (%s) est confirmé pour %s.\n\nÀ bientôt,\n%s",
			c.PatientName, c.Motif, c.SlotLabel, c.BusinessName,
		),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.Error("confirmation email failed", "to", c.To, "error", err)
	}
}
