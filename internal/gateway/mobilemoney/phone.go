package mobilemoney

import (
	"regexp"
	"strings"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

const (
	DefaultCountryCode = "254"
	trunkPrefix        = "0"
	subscriberDigits   = 9
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone turns local, international and bare subscriber numbers into
// <country code><9 digits>.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := nonDigits.ReplaceAllString(raw, "")

	var phone string
	switch {
	case strings.HasPrefix(digits, trunkPrefix):
		phone = countryCode + strings.TrimPrefix(digits, trunkPrefix)
	case strings.HasPrefix(digits, countryCode):
		phone = digits
	default:
		phone = countryCode + digits
	}

	if len(phone) != len(countryCode)+subscriberDigits || !strings.HasPrefix(phone, countryCode) {
		return "", apperr.InvalidPhone("phone number %q is not a valid subscriber number", raw)
	}
	return phone, nil
}
