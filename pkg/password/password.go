// Package password hashes and verifies account passwords.
//
// Stored hashes carry a scheme prefix in the Dovecot style:
//
//	{BLF-CRYPT}$2a$10$...   bcrypt (the default for new hashes)
//	$2a$10$...              bcrypt without prefix
//	{SSHA512}...            salted SHA-512, base64 ({SSHA512.b64}, {SSHA512.HEX} also accepted)
//	{SHA512}...             unsalted SHA-512, base64 ({SHA512.b64}, {SHA512.HEX} also accepted)
//	{PLAIN}secret           plain text, for fixtures and migrations only
package password

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Schemes accepted by Hash.
const (
	SchemeBcrypt  = "bcrypt"
	SchemeSSHA512 = "ssha512"
	SchemeSHA512  = "sha512"
	SchemePlain   = "plain"
)

const (
	blfCryptPrefix = "{BLF-CRYPT}"
	plainPrefix    = "{PLAIN}"

	sha512Len  = sha512.Size
	saltLength = 8
)

var (
	ErrMismatch      = errors.New("password does not match")
	ErrUnknownScheme = errors.New("unknown password hash scheme")
	ErrEmpty         = errors.New("password cannot be empty")
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// shaVariant describes one prefix of the SHA-512 family.
type shaVariant struct {
	prefix string
	salted bool
	hex    bool
}

var shaVariants = []shaVariant{
	{"{SSHA512.HEX}", true, true},
	{"{SSHA512.b64}", true, false},
	{"{SSHA512}", true, false},
	{"{SHA512.HEX}", false, true},
	{"{SHA512.b64}", false, false},
	{"{SHA512}", false, false},
}

// Hash returns a prefixed hash of password using scheme; an empty scheme
// selects bcrypt.
func Hash(scheme, password string) (string, error) {
	if password == "" {
		return "", ErrEmpty
	}

	switch strings.ToLower(scheme) {
	case "", SchemeBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("error generating bcrypt hash: %w", err)
		}
		return blfCryptPrefix + string(hash), nil
	case SchemeSSHA512:
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("error generating random salt: %w", err)
		}
		sum := sha512.Sum512(append([]byte(password), salt...))
		return "{SSHA512}" + base64.StdEncoding.EncodeToString(append(sum[:], salt...)), nil
	case SchemeSHA512:
		sum := sha512.Sum512([]byte(password))
		return "{SHA512}" + base64.StdEncoding.EncodeToString(sum[:]), nil
	case SchemePlain:
		return plainPrefix + password, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
}

// Verify returns nil when password matches the stored hash, ErrMismatch when
// it does not, and another error when the hash itself cannot be read.
func Verify(hashed, password string) error {
	if strings.HasPrefix(hashed, blfCryptPrefix) {
		return verifyBcrypt(strings.TrimPrefix(hashed, blfCryptPrefix), password)
	}
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(hashed, p) {
			return verifyBcrypt(hashed, password)
		}
	}
	for _, v := range shaVariants {
		if strings.HasPrefix(hashed, v.prefix) {
			return verifySHA512(v, strings.TrimPrefix(hashed, v.prefix), password)
		}
	}
	if strings.HasPrefix(hashed, plainPrefix) {
		stored := strings.TrimPrefix(hashed, plainPrefix)
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
			return ErrMismatch
		}
		return nil
	}
	return ErrUnknownScheme
}

func verifyBcrypt(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

func verifySHA512(v shaVariant, data, password string) error {
	var decoded []byte
	var err error
	if v.hex {
		decoded, err = hex.DecodeString(data)
	} else {
		decoded, err = base64.StdEncoding.DecodeString(data)
	}
	if err != nil {
		return fmt.Errorf("invalid %s data: %w", v.prefix, err)
	}

	var salt []byte
	switch {
	case v.salted && len(decoded) > sha512Len:
		salt = decoded[sha512Len:]
	case !v.salted && len(decoded) == sha512Len:
	default:
		return fmt.Errorf("invalid %s hash: wrong length %d", v.prefix, len(decoded))
	}

	sum := sha512.Sum512(append([]byte(password), salt...))
	if subtle.ConstantTimeCompare(decoded[:sha512Len], sum[:]) != 1 {
		return ErrMismatch
	}
	return nil
}

// NeedsRehash reports whether a bcrypt hash was made with a cost other than
// the current default. Other schemes never need a rehash.
func NeedsRehash(hashed string) bool {
	hashed = strings.TrimPrefix(hashed, blfCryptPrefix)
	cost, err := bcrypt.Cost([]byte(hashed))
	if err != nil {
		return false
	}
	return cost != bcrypt.DefaultCost
}
