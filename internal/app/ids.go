package app

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newCode builds "<PREFIX>-<base36 unix millis>-<n random [A-Z0-9]>".
func newCode(prefix string, now time.Time, n int) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))
	b.WriteByte('-')
	b.WriteString(randomSuffix(n))
	return b.String()
}

func randomSuffix(n int) string {
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is unusable.
			panic(err)
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out)
}

func newLockID(now time.Time) string          { return newCode("LOCK", now, 6) }
func newAuthorizationCode(now time.Time) string { return newCode("AUTH", now, 6) }
func newPublicationCode(now time.Time) string   { return newCode("PUB", now, 8) }
func newBankID(now time.Time) string            { return newCode("BANK", now, 6) }
func newAccountID(now time.Time) string         { return newCode("ACCT", now, 6) }
func newVaultID(now time.Time) string           { return newCode("VAULT", now, 6) }
