package helpers

import "strings"

// SplitEmailAddress lower-cases an address and splits it into local part and
// domain. A name without "@" is returned whole as the local part.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, _ := strings.Cut(email, "@")
	return local, domain
}
