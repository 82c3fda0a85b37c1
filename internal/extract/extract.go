// Package extract turns a full-format Gmail message into flat text.
package extract

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sekia-ai/mailwatch/internal/mailbox"
)

const (
	mimePlain = "text/plain"
	mimeHTML  = "text/html"

	DefaultSubject = "No Subject"
	DefaultFrom    = "Unknown Sender"

	// minConfidence is the chardet score below which a guess is ignored.
	minConfidence = 50
)

// ErrDecode is returned when a body part is not valid base64url.
var ErrDecode = errors.New("decode message body")

var (
	// Lossy on purpose: stops at the first '>' and leaves stray '<' alone.
	tagPattern        = regexp.MustCompile(`<[^<]+?>`)
	newlinePattern    = regexp.MustCompile(`\r\n|\r|\n`)
	whitespacePattern = regexp.MustCompile(`[\s\x{0b}\x{1c}-\x{1f}\x{85}\p{Z}]+`)
)

// Content is the text the downstream consumer sees.
type Content struct {
	Subject string
	From    string
	Body    string
}

// Extract returns the subject, sender, and cleaned body of msg. Plain text
// leaves are preferred; HTML leaves are used only when there are none and
// are unescaped and stripped of tags.
func Extract(msg *mailbox.RawMessage) (Content, error) {
	c := Content{Subject: DefaultSubject, From: DefaultFrom}
	if msg == nil || msg.Payload == nil {
		return c, nil
	}
	if v, ok := msg.Payload.Header("Subject"); ok {
		c.Subject = v
	}
	if v, ok := msg.Payload.Header("From"); ok {
		c.From = v
	}

	leaves := collectLeaves(msg.Payload, mimePlain, nil)
	isHTML := false
	if len(leaves) == 0 {
		leaves = collectLeaves(msg.Payload, mimeHTML, nil)
		isHTML = len(leaves) > 0
	}

	texts := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		text, err := decodePart(leaf)
		if err != nil {
			return Content{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		texts = append(texts, text)
	}

	c.Body = Clean(strings.Join(texts, " "), isHTML)
	return c, nil
}

// Clean normalizes body text. When isHTML is set, entities are unescaped
// before tags are removed.
func Clean(s string, isHTML bool) string {
	if isHTML {
		s = html.UnescapeString(s)
		s = tagPattern.ReplaceAllString(s, "")
	}
	s = newlinePattern.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// collectLeaves walks the MIME tree depth-first and returns leaf parts of
// the given type in document order.
func collectLeaves(p *mailbox.MessagePart, mimeType string, out []*mailbox.MessagePart) []*mailbox.MessagePart {
	if p == nil {
		return out
	}
	if len(p.Parts) == 0 {
		if strings.EqualFold(p.MimeType, mimeType) {
			out = append(out, p)
		}
		return out
	}
	for _, child := range p.Parts {
		out = collectLeaves(child, mimeType, out)
	}
	return out
}

func decodePart(p *mailbox.MessagePart) (string, error) {
	if p.BodyData == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.BodyData, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return toUTF8(raw, partCharset(p)), nil
}

func partCharset(p *mailbox.MessagePart) string {
	ct, ok := p.Header("Content-Type")
	if !ok {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// toUTF8 decodes raw from charset. Without a usable declared charset, valid
// UTF-8 is kept as is and anything else is sniffed before falling back to
// replacement characters.
func toUTF8(raw []byte, charset string) string {
	if enc := lookup(charset); enc != nil {
		if out, err := enc.NewDecoder().Bytes(raw); err == nil {
			return strings.ToValidUTF8(string(out), "\uFFFD")
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if best, err := chardet.NewTextDetector().DetectBest(raw); err == nil && best.Confidence >= minConfidence {
		if enc := lookup(best.Charset); enc != nil {
			if out, err := enc.NewDecoder().Bytes(raw); err == nil {
				return strings.ToValidUTF8(string(out), "\uFFFD")
			}
		}
	}
	return strings.ToValidUTF8(string(raw), "\uFFFD")
}

func lookup(charset string) encoding.Encoding {
	if charset == "" {
		return nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}
