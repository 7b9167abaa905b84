package services

import (
	"regexp"
	"strings"
)

// Kenyan mobile numbers: +254 followed by 7 or 1 and eight digits.
var kenyanPhonePattern = regexp.MustCompile(`^\+254[17]\d{8}$`)

// ValidatePhone checks the stored (international) form of a phone number.
func ValidatePhone(phone string) error {
	if !kenyanPhonePattern.MatchString(phone) {
		return &ValidationError{
			Field:   "phone",
			Message: "phone number must be in format +2547XXXXXXXX or +2541XXXXXXXX",
		}
	}
	return nil
}

// NormalizePhone strips the leading "+" the provider does not accept.
func NormalizePhone(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), "+")
}
