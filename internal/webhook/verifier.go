// Package webhook receives provider callbacks: signature verification,
// dedup against redelivery, and routing to the booking and notification
// state machines.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/clock"
)

// Verifier checks the "t=<unix>,v1=<hex hmac>" signature scheme shared by
// every ingress source. The MAC covers "{t}.{body}" so a captured payload
// cannot be replayed under a fresh timestamp.
type Verifier struct {
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(tolerance time.Duration, clk clock.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Verifier{tolerance: tolerance, clock: clk}
}

// Verify validates header against body. Multiple v1 entries are accepted so
// a secret rotation can keep signing with both keys during the cutover.
func (v *Verifier) Verify(secret, header string, body []byte) error {
	ts, sigs, err := parseSignature(header)
	if err != nil {
		return err
	}

	age := v.clock.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return domain.ErrWebhookStale
	}

	expected := computeMAC(secret, ts, body)
	for _, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(raw, expected) {
			return nil
		}
	}
	return domain.ErrWebhookSignature
}

func parseSignature(header string) (int64, []string, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", domain.ErrWebhookSignature)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", domain.ErrWebhookSignature)
	}
	return ts, sigs, nil
}

func computeMAC(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}
