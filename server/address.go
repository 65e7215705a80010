package server

import (
	"fmt"
	"regexp"
	"strings"
)

const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a parsed delivery address.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and lowercases an address. Angle brackets from an SMTP
// path are accepted.
func NewAddress(address string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))
	input = strings.TrimSuffix(strings.TrimPrefix(input, "<"), ">")

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	localPart, domain, ok := strings.Cut(input, "@")
	if !ok {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	if strings.Contains(domain, "@") {
		return Address{}, fmt.Errorf("too many @ symbols in address: '%s'", input)
	}
	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	_, detail, _ := strings.Cut(localPart, "+")
	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	base, _, _ := strings.Cut(a.localPart, "+")
	return base
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

// MaildropCandidates lists the maildrop names a delivery to a is tried
// against, most specific first.
func (a Address) MaildropCandidates() []string {
	base := a.BaseAddress()
	if base == a.fullAddress {
		return []string{a.fullAddress}
	}
	return []string{a.fullAddress, base}
}
