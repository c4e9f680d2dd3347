package scraper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AccessKeyLength is the number of digits in a fiscal receipt access key.
const AccessKeyLength = 44

var (
	ErrMalformedAccessKey = errors.New("malformed access key")
	ErrCheckDigit         = errors.New("access key check digit mismatch")
)

// AccessKey is the 44-digit key printed on Brazilian electronic fiscal
// receipts (NF-e and NFC-e). Layout:
//
//	cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1)
type AccessKey struct {
	digits string
}

// ParseAccessKey accepts the key with or without the blanks receipts print
// between groups and verifies its mod-11 check digit.
func ParseAccessKey(s string) (AccessKey, error) {
	digits := strings.Join(strings.Fields(s), "")
	if len(digits) != AccessKeyLength {
		return AccessKey{}, fmt.Errorf("%w: %d digits, want %d", ErrMalformedAccessKey, len(digits), AccessKeyLength)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return AccessKey{}, fmt.Errorf("%w: non-digit %q at position %d", ErrMalformedAccessKey, digits[i], i)
		}
	}
	if want := checkDigit(digits[:AccessKeyLength-1]); digits[AccessKeyLength-1] != want {
		return AccessKey{}, fmt.Errorf("%w: got %c, want %c", ErrCheckDigit, digits[AccessKeyLength-1], want)
	}
	return AccessKey{digits: digits}, nil
}

// checkDigit computes the modulo 11 digit with weights 2..9 applied from the
// right.
func checkDigit(body string) byte {
	sum, weight := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	rem := sum % 11
	if rem < 2 {
		return '0'
	}
	return byte('0' + 11 - rem)
}

func (k AccessKey) String() string { return k.digits }

// State returns the issuing state.
func (k AccessKey) State() StateCode {
	n, _ := strconv.Atoi(k.digits[0:2])
	return StateCode(n)
}

// Issued returns year and month of issue.
func (k AccessKey) Issued() (year, month int) {
	yy, _ := strconv.Atoi(k.digits[2:4])
	mm, _ := strconv.Atoi(k.digits[4:6])
	return 2000 + yy, mm
}

// IssuerCNPJ returns the tax id of the issuer.
func (k AccessKey) IssuerCNPJ() string { return k.digits[6:20] }

// Model returns the document model, 55 for NF-e and 65 for NFC-e.
func (k AccessKey) Model() string { return k.digits[20:22] }

// Number returns the receipt number within its series.
func (k AccessKey) Number() string { return k.digits[25:34] }
