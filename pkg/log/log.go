package log

import (
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
	return l
}

// SetOutput redirects every entry, tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLevel parses a logrus level name, unknown names keep the current level.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if v, ok := c.Locals("request_id").(string); ok && v != "" {
		fields["request_id"] = v
	}
	return logger.WithFields(fields)
}

// ConnectionOp tags an entry with the unit and provider a connection operation runs for.
func ConnectionOp(unitID string, provider string, op string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"unit_id":  unitID,
		"provider": provider,
		"op":       op,
	})
}

// WebhookOp tags an entry for inbound provider callbacks.
func WebhookOp(provider string, instanceID string, eventID string) *logrus.Entry {
	fields := logrus.Fields{
		"provider":    provider,
		"instance_id": instanceID,
	}
	if eventID != "" {
		fields["event_id"] = eventID
	}
	return logger.WithFields(fields)
}

// MaskPhone hides the last four digits of a phone number or JID user part.
func MaskPhone(phone string) string {
	if len(phone) < 4 {
		return phone
	}
	return phone[0:len(phone)-4] + "xxxx"
}
