package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kostpay/chat-gateway/internal/transport"
	"github.com/kostpay/chat-gateway/pkg/logger"
)

var (
	// ErrRecipientInvalid is returned when no usable digits remain after
	// normalization. The caller should fix the address, not retry.
	ErrRecipientInvalid = errors.New("recipient address is invalid")
)

// SendError wraps a transport rejection or timeout. Recoverable by the
// caller with a fresh notification and a new send attempt; the dispatcher
// never retries internally.
type SendError struct {
	cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send rejected by network: %v", e.cause)
}

func (e *SendError) Unwrap() error {
	return e.cause
}

// Attachment references a file on local disk to send as a document.
type Attachment struct {
	Path     string
	Filename string
}

// Message is one logical outbound message.
type Message struct {
	Recipient  string
	Body       string
	Attachment *Attachment
}

// Dispatcher formats logical messages into transport calls.
type Dispatcher struct {
	countryCode string
}

func New(countryCode string) *Dispatcher {
	return &Dispatcher{countryCode: countryCode}
}

// NormalizeRecipient strips non-digit characters and anchors the number to
// the deployment's country calling code: a local leading zero is replaced
// by the code, and a number with no recognized prefix gets it prepended.
// Pure; no network involved.
func (d *Dispatcher) NormalizeRecipient(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", ErrRecipientInvalid
	}

	if strings.HasPrefix(digits, "0") {
		return d.countryCode + digits[1:], nil
	}
	if !strings.HasPrefix(digits, d.countryCode) {
		return d.countryCode + digits, nil
	}
	return digits, nil
}

// Dispatch sends msg over the given transport client and returns the
// network-assigned external message id. A present attachment whose file
// exists is sent as a document with the body as caption; otherwise the
// body goes out as plain text.
func (d *Dispatcher) Dispatch(ctx context.Context, client transport.Client, msg Message) (string, error) {
	to, err := d.NormalizeRecipient(msg.Recipient)
	if err != nil {
		return "", err
	}

	if msg.Attachment != nil {
		if _, statErr := os.Stat(msg.Attachment.Path); statErr == nil {
			externalID, err := client.SendDocument(ctx, to, msg.Attachment.Path, msg.Attachment.Filename, msg.Body)
			if err != nil {
				return "", &SendError{cause: err}
			}
			return externalID, nil
		}
		logger.Warn("attachment file missing, falling back to text", "path", msg.Attachment.Path)
	}

	externalID, err := client.SendText(ctx, to, msg.Body)
	if err != nil {
		return "", &SendError{cause: err}
	}
	return externalID, nil
}
