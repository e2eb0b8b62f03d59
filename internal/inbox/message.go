// Package inbox collects candidate registrant addresses from email, either
// from an IMAP folder or from saved .eml files.
package inbox

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"

	"github.com/regselect/regselect/internal/address"
)

// Email is a parsed message reduced to the parts addresses come from
type Email struct {
	UID        uint32
	MessageID  string
	From       []string
	ReplyTo    []string
	To         []string
	Cc         []string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
}

// Field names where addresses may be collected from
type Field string

const (
	FieldFrom    Field = "from"
	FieldReplyTo Field = "reply-to"
	FieldTo      Field = "to"
	FieldCc      Field = "cc"
	FieldBody    Field = "body"
)

// DefaultFields are the sender headers plus addresses written in the body
var DefaultFields = []Field{FieldFrom, FieldReplyTo, FieldBody}

// ParseFields parses a comma-separated field list
func ParseFields(s string) ([]Field, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultFields, nil
	}
	var out []Field
	for _, part := range strings.Split(s, ",") {
		f := Field(strings.ToLower(strings.TrimSpace(part)))
		switch f {
		case FieldFrom, FieldReplyTo, FieldTo, FieldCc, FieldBody:
			out = append(out, f)
		default:
			return nil, fmt.Errorf("unknown address field %q", part)
		}
	}
	return out, nil
}

// Body text addresses, loosely bounded; each hit is validated afterwards
var addrRegex = regexp.MustCompile(`[^\s<>()\[\],;:"'@]+@[^\s<>()\[\],;:"'@]+\.[A-Za-z]{2,}`)

// ParseMessage reads an RFC 5322 message
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &Email{
		From:    headerAddresses(mr.Header, "From"),
		ReplyTo: headerAddresses(mr.Header, "Reply-To"),
		To:      headerAddresses(mr.Header, "To"),
		Cc:      headerAddresses(mr.Header, "Cc"),
	}
	email.Subject, _ = mr.Header.Subject()
	email.MessageID, _ = mr.Header.MessageID()
	email.ReceivedAt, _ = mr.Header.Date()

	// Process each part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(p.Body)

			if strings.HasPrefix(ct, "text/plain") && email.Body == "" {
				email.Body = string(body)
			} else if strings.HasPrefix(ct, "text/html") && email.HTMLBody == "" {
				email.HTMLBody = string(body)
			}
		}
	}

	return email, nil
}

func headerAddresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// Addresses returns the valid, normalized addresses of the selected fields
// in field order, without duplicates.
func (e *Email) Addresses(fields []Field) []string {
	var raw []string
	for _, f := range fields {
		switch f {
		case FieldFrom:
			raw = append(raw, e.From...)
		case FieldReplyTo:
			raw = append(raw, e.ReplyTo...)
		case FieldTo:
			raw = append(raw, e.To...)
		case FieldCc:
			raw = append(raw, e.Cc...)
		case FieldBody:
			raw = append(raw, extractFromText(e.Body)...)
			if e.HTMLBody != "" {
				raw = append(raw, extractFromHTML(e.HTMLBody)...)
			}
		}
	}
	return unique(raw, nil)
}

// Collect merges the addresses of many emails, skipping those in exclude
func Collect(emails []Email, fields []Field, exclude ...string) []string {
	var raw []string
	for i := range emails {
		raw = append(raw, emails[i].Addresses(fields)...)
	}
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[address.Normalize(e)] = true
	}
	return unique(raw, skip)
}

func unique(raw []string, skip map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range raw {
		n := address.Normalize(a)
		if seen[n] || skip[n] || !address.IsValid(n) {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// extractFromText finds addresses in plain text
func extractFromText(text string) []string {
	var out []string
	for _, m := range addrRegex.FindAllString(text, -1) {
		out = append(out, strings.TrimRight(m, "."))
	}
	return out
}

// extractFromHTML reads mailto links, then addresses in the visible text
func extractFromHTML(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Fallback to regex
		return extractFromText(html)
	}

	var out []string
	doc.Find(`a[href^="mailto:"]`).Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		target := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(target, '?'); i >= 0 {
			target = target[:i]
		}
		for _, a := range strings.Split(target, ",") {
			out = append(out, strings.TrimSpace(a))
		}
	})

	out = append(out, extractFromText(doc.Text())...)
	return out
}
