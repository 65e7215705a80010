package helpers

import "fmt"

// NewS3Key constructs an S3 key for a message body. Names without a domain
// are keyed by local part only.
func NewS3Key(domain, localPart, hash string) string {
	if domain == "" {
		return fmt.Sprintf("%s/%s", localPart, hash)
	}
	return fmt.Sprintf("%s/%s/%s", domain, localPart, hash)
}
