package email

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/brandon/mail-ingest/pkg/types"
)

// Parser turns raw RFC 5322 messages into Messages
type Parser struct {
	now func() time.Time
}

// NewParser creates a parser. now supplies the date for messages without a
// usable Date header; nil means time.Now.
func NewParser(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now}
}

// Parse extracts the content fields of a message. Identity, ownership and
// status fields are left for the caller.
func (p *Parser) Parse(raw []byte) (*types.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &types.Message{
		MessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
		From:      firstAddress(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
		Bcc:       addressList(env, "Bcc"),
		Body:      env.Text,
		HTMLBody:  env.HTML,
	}

	msg.Date = p.now()
	if date, err := env.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	}

	return msg, nil
}

// addressList renders a recipient header. Each entry becomes its address, or
// its display name when it has no address; empty entries are dropped and
// header order is kept.
func addressList(env *enmime.Envelope, header string) []string {
	value := env.GetHeader(header)
	if strings.TrimSpace(value) == "" {
		return []string{}
	}

	list, err := env.AddressList(header)
	if err != nil {
		return splitRaw(value)
	}

	out := make([]string, 0, len(list))
	for _, addr := range list {
		if s := renderAddress(addr); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// firstAddress renders the first entry of header, or the raw header when it
// cannot be parsed as an address list.
func firstAddress(env *enmime.Envelope, header string) string {
	list, err := env.AddressList(header)
	if err == nil {
		for _, addr := range list {
			if s := renderAddress(addr); s != "" {
				return s
			}
		}
		return ""
	}
	if entries := splitRaw(env.GetHeader(header)); len(entries) > 0 {
		return entries[0]
	}
	return ""
}

func renderAddress(addr *mail.Address) string {
	if addr == nil {
		return ""
	}
	if s := strings.TrimSpace(addr.Address); s != "" {
		return s
	}
	return strings.TrimSpace(addr.Name)
}

// splitRaw applies the recipient rule to an unparsable header value
func splitRaw(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if addr, err := mail.ParseAddress(part); err == nil {
			part = renderAddress(addr)
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
