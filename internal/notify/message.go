// Package notify delivers one-time codes to users. Engines hand a Message to
// a Dispatcher; a Sender does the actual delivery (log, AMQP queue or SMTP).
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

type Kind string

const (
	KindTransferOTP Kind = "transfer_otp"
	KindDepositOTP  Kind = "deposit_otp"
	KindLoginOTP    Kind = "login_otp"
)

// Message is one code delivery. Amount is a decimal string so the canonical
// form never depends on float formatting. ExpiresIn is the code lifetime in
// seconds.
type Message struct {
	Kind      Kind      `json:"kind"`
	To        string    `json:"to"`
	Code      string    `json:"code"`
	Reference string    `json:"reference,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Account   string    `json:"account,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresIn int       `json:"expires_in,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Canonical returns the RFC 8785 form of m.
func Canonical(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Render builds the e-mail subject and plain-text body.
func Render(m Message) (subject, body string) {
	expiry := expiryLine(m.ExpiresIn)
	switch m.Kind {
	case KindTransferOTP:
		subject = "Your transfer verification code"
		body = fmt.Sprintf(
			"Use code %s to confirm the transfer of %s from account %s.\nReference: %s\n%s\n",
			m.Code, m.Amount, m.Account, m.Reference, expiry)
	case KindDepositOTP:
		subject = "Your deposit verification code"
		body = fmt.Sprintf(
			"Use code %s to confirm the deposit of %s into account %s.\nReference: %s\n%s\n",
			m.Code, m.Amount, m.Account, m.Reference, expiry)
	default:
		subject = "Your verification code"
		body = fmt.Sprintf("Your verification code is %s.\n%s\n", m.Code, expiry)
	}
	return subject, body
}

func expiryLine(seconds int) string {
	switch {
	case seconds <= 0:
		return "The code expires shortly."
	case seconds%60 != 0:
		return fmt.Sprintf("The code expires in %s.", plural(seconds, "second"))
	default:
		return fmt.Sprintf("The code expires in %s.", plural(seconds/60, "minute"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
