package schema

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatValidator is a function that validates a string format
type FormatValidator func(value string) bool

func validateEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, ".")
}

var uriScheme = regexp.MustCompile(`^(https?|ftp|wss?|nats)://\S+$`)

func validateURI(uri string) bool {
	return uriScheme.MatchString(uri)
}

func validateUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil && len(value) == 36
}

func validateDate(date string) bool {
	_, err := time.Parse(time.DateOnly, date)
	return err == nil
}

func validateDateTime(datetime string) bool {
	_, err := time.Parse(time.RFC3339, datetime)
	return err == nil
}

func defaultFormats() map[string]FormatValidator {
	return map[string]FormatValidator{
		"email":    validateEmail,
		"uri":      validateURI,
		"uuid":     validateUUID,
		"date":     validateDate,
		"datetime": validateDateTime,
	}
}
