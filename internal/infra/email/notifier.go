package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

type SMTPNotifier struct {
	host   string
	port   int
	from   string
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
}

func NewSMTPNotifier(host string, port int, from string, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, from: from, send: smtp.SendMail, logger: logger}
}

// NotifyFailure tells the requester that a job ended in the failed state
// and that its working files were kept for a resumed run.
func (n *SMTPNotifier) NotifyFailure(_ context.Context, to, jobID, input, errorMsg string) error {
	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	msg := buildFailureMessage(n.from, to, jobID, input, errorMsg)

	if err := n.send(addr, nil, n.from, []string{to}, []byte(msg)); err != nil {
		n.logger.Error("failed to send failure notification email",
			zap.String("to", to),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification email sent",
		zap.String("to", to),
		zap.String("job_id", jobID),
	)
	return nil
}

func buildFailureMessage(from, to, jobID, input, errorMsg string) string {
	subject := fmt.Sprintf("Video enhancement failed [Job %s]", jobID)
	reason, _, _ := strings.Cut(errorMsg, ":")

	body := fmt.Sprintf(
		"Hello,\r\n\r\n"+
			"Your video enhancement job stopped with an error.\r\n\r\n"+
			"Job ID: %s\r\n"+
			"Input: %s\r\n"+
			"Reason: %s\r\n"+
			"Details: %s\r\n\r\n"+
			"Frames enhanced so far were kept. Submit the same request again with resume enabled to continue.\r\n\r\n"+
			"-- video-upscaler",
		jobID, input, reason, errorMsg,
	)

	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)
}
