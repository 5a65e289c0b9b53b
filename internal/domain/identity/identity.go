// Package identity validates the national ID (CPF), phone numbers and OTP
// shapes presented by voters, and derives the opaque voter token.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/okian/sabor/internal/domain/model"
)

const (
	nationalIDLen      = 11
	countryPrefix      = "55"
	phoneLenWithPrefix = 13
	phoneLenLocal      = 11
	otpLen             = 6
)

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidNationalID reports whether id is a well-formed CPF. Punctuation is ignored.
func ValidNationalID(id string) bool {
	d := Digits(id)
	if len(d) != nationalIDLen || allSame(d) {
		return false
	}
	return checkDigit(d[:9], 10) == d[9] && checkDigit(d[:10], 11) == d[10]
}

// checkDigit applies the weighted mod-11 reduction with weights descending
// from firstWeight to 2.
func checkDigit(digits string, firstWeight int) byte {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * (firstWeight - i)
	}
	d := 11 - sum%11
	if d >= 10 {
		d = 0
	}
	return byte('0' + d)
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// ValidPhone reports whether phone is a mobile number with area code, with or
// without the "55" country prefix.
func ValidPhone(phone string) bool {
	d := Digits(phone)
	if strings.HasPrefix(d, countryPrefix) {
		return len(d) == phoneLenWithPrefix
	}
	return len(d) == phoneLenLocal
}

// NormalizePhone returns the 13-digit form of a valid phone so that every
// spelling of a number shares one challenge and one rate window.
func NormalizePhone(phone string) (string, error) {
	if !ValidPhone(phone) {
		return "", ErrInvalidPhone
	}
	d := Digits(phone)
	if len(d) == phoneLenLocal {
		d = countryPrefix + d
	}
	return d, nil
}

// ValidOTPShape reports whether code holds exactly six digits.
func ValidOTPShape(code string) bool {
	return len(Digits(code)) == otpLen
}

// Validate checks and normalizes a raw identity.
func Validate(nationalID, phone string) (model.VoterIdentity, error) {
	if !ValidNationalID(nationalID) {
		return model.VoterIdentity{}, ErrInvalidNationalID
	}
	p, err := NormalizePhone(phone)
	if err != nil {
		return model.VoterIdentity{}, err
	}
	return model.VoterIdentity{NationalID: Digits(nationalID), Phone: p}, nil
}

// Tokenizer derives voter tokens. The same citizen always gets the same
// token, so duplicate votes are caught across sessions without storing the
// national ID.
type Tokenizer struct {
	secret []byte
}

// NewTokenizer creates a Tokenizer keyed by secret.
func NewTokenizer(secret string) *Tokenizer {
	return &Tokenizer{secret: []byte(secret)}
}

// Token returns the base64url HMAC-SHA256 of the normalized national ID.
func (t *Tokenizer) Token(id model.VoterIdentity) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(id.NationalID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
