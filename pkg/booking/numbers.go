package booking

import (
	"fmt"
	"math/rand/v2"
	"time"
)

type numberGenerator struct {
	intN func(n int) int
}

func newNumberGenerator() *numberGenerator {
	return &numberGenerator{intN: rand.IntN}
}

// bookingNumber renders BK + YYYYMMDD + a zero-padded 3-digit suffix.
func (generator *numberGenerator) bookingNumber(now time.Time) string {
	return fmt.Sprintf("%s%s%03d", bookingNumberPrefix, now.UTC().Format(bookingNumberDateLayout), generator.intN(randomSuffixModulo))
}

// amendmentID renders AM + unix milliseconds + a zero-padded 3-digit suffix.
func (generator *numberGenerator) amendmentID(now time.Time) string {
	return fmt.Sprintf("%s%d%03d", amendmentIDPrefix, now.UnixMilli(), generator.intN(randomSuffixModulo))
}
