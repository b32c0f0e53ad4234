package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	referencePattern   = regexp.MustCompile(`^([a-z0-9]+)_user_([A-Za-z0-9-]+)_(\d+)$`)
	descriptionPattern = regexp.MustCompile(`(?i)(?:^|[^a-z])user[_:#\s]+([a-z0-9-]+)`)
)

// FormatReference renders the external reference attached to a charge.
func FormatReference(namespace, payerId string, unixMillis int64) string {
	return fmt.Sprintf("%s_user_%s_%d", namespace, payerId, unixMillis)
}

// ParseReference extracts the payer id from a reference issued under
// namespace. ok is false when the reference does not follow the encoding.
func ParseReference(namespace, reference string) (payerId string, unixMillis int64, ok bool) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(reference))
	if m == nil || m[1] != namespace {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return m[2], ts, true
}

// PayerFromDescription extracts a user id token such as "user_42" or
// "user:abc-1" embedded in free text.
func PayerFromDescription(description string) (string, bool) {
	m := descriptionPattern.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}
	return m[1], true
}
