package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	// CodeLength is the length of a signalling session code.
	CodeLength = 8
	charset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// GenerateCode returns a random alphanumeric code of the given length.
func GenerateCode(length int) (string, error) {
	result := make([]byte, length)
	limit := big.NewInt(int64(len(charset)))

	for i := range result {
		num, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		result[i] = charset[num.Int64()]
	}
	return string(result), nil
}

// IsValidCode reports whether code looks like a session code.
func IsValidCode(code string) bool {
	return codePattern.MatchString(code)
}
