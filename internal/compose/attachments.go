package compose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Attachment handling limits.
const (
	maxAttachmentBytes = 25 << 20 // per attachment
	maxTotalBytes      = 50 << 20 // per composition
	maxInlineBytes     = 512 << 10
	maxInlineChars     = 50_000
)

// trustedAttachmentHosts are the CDN hosts attachments may be fetched from.
var trustedAttachmentHosts = map[string]bool{
	"cdn.discordapp.com":   true,
	"media.discordapp.net": true,
}

// textExtractableTypes are content types inlined as text.
var textExtractableSuffixes = []string{"+json", "+xml", "+yaml"}

func isTextExtractable(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/javascript",
		ct == "application/xml", ct == "application/yaml",
		ct == "application/x-yaml", ct == "application/toml",
		ct == "application/sql", ct == "application/csv":
		return true
	}
	for _, suf := range textExtractableSuffixes {
		if strings.HasSuffix(ct, suf) {
			return true
		}
	}
	return false
}

// attachmentBuilder resolves attachments into content parts for one
// composition. Downloads are deduplicated by URL and bounded by per-file and
// total budgets.
type attachmentBuilder struct {
	surface    channels.Surface
	cache      map[string][]byte
	totalBytes int64
}

func newAttachmentBuilder(surface channels.Surface) *attachmentBuilder {
	return &attachmentBuilder{surface: surface, cache: make(map[string][]byte)}
}

// parts converts a chunk's attachments into message parts.
func (ab *attachmentBuilder) parts(ctx context.Context, atts []channels.Attachment) []providers.Part {
	var out []providers.Part
	for _, att := range atts {
		out = append(out, ab.part(ctx, att))
	}
	return out
}

func (ab *attachmentBuilder) part(ctx context.Context, att channels.Attachment) providers.Part {
	if !trustedHost(att.URL) {
		return urlOnlyPart(att, "untrusted host")
	}
	ct := strings.ToLower(att.ContentType)

	switch {
	case strings.HasPrefix(ct, "image/"):
		return providers.Part{Type: providers.PartImage, URL: att.URL, MediaType: att.ContentType}

	case strings.HasPrefix(ct, "application/pdf"):
		return providers.Part{Type: providers.PartFile, URL: att.URL, MediaType: att.ContentType}

	case isTextExtractable(ct):
		return ab.inlineTextPart(ctx, att)

	default:
		return urlOnlyPart(att, "")
	}
}

// inlineTextPart downloads and inlines a text attachment, falling back to a
// URL-only header on budget or decode failures.
func (ab *attachmentBuilder) inlineTextPart(ctx context.Context, att channels.Attachment) providers.Part {
	if att.Size > maxAttachmentBytes {
		return urlOnlyPart(att, "exceeds per-file limit")
	}
	if ab.totalBytes+att.Size > maxTotalBytes {
		return urlOnlyPart(att, "exceeds total download budget")
	}

	data, ok := ab.cache[att.URL]
	if !ok {
		var err error
		data, err = ab.surface.Download(ctx, att.URL, maxAttachmentBytes)
		if err != nil {
			slog.Debug("attachment download failed", "url", att.URL, "error", err)
			return urlOnlyPart(att, "download failed")
		}
		ab.cache[att.URL] = data
		ab.totalBytes += int64(len(data))
	}

	truncated := false
	if len(data) > maxInlineBytes {
		data = data[:maxInlineBytes]
		truncated = true
	}
	text, ok := decodeTextBestEffort(data)
	if !ok {
		return urlOnlyPart(att, "binary content")
	}
	if len([]rune(text)) > maxInlineChars {
		text = string([]rune(text)[:maxInlineChars])
		truncated = true
	}

	header := fmt.Sprintf("[discord_attachment filename=%s type=%s size=%d", att.Filename, att.ContentType, att.Size)
	if truncated {
		header += " (truncated)"
	}
	header += "]"
	return providers.Part{Type: providers.PartText, Text: header + "\n" + text}
}

func urlOnlyPart(att channels.Attachment, note string) providers.Part {
	header := fmt.Sprintf("[discord_attachment filename=%s type=%s size=%d url=%s", att.Filename, att.ContentType, att.Size, att.URL)
	if note != "" {
		header += " note=" + strings.ReplaceAll(note, " ", "_")
	}
	header += "]"
	return providers.Part{Type: providers.PartText, Text: header}
}

func trustedHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	return trustedAttachmentHosts[strings.ToLower(u.Hostname())]
}

// decodeTextBestEffort decodes bytes as UTF-8 text. Null bytes or a high
// replacement-rune ratio mark the content binary.
func decodeTextBestEffort(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", true
	}
	for _, b := range data {
		if b == 0 {
			return "", false
		}
	}
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	runes := 0
	bad := 0
	for _, r := range text {
		runes++
		if r == utf8.RuneError {
			bad++
		}
	}
	if runes > 0 && float64(bad)/float64(runes) > 0.1 {
		return "", false
	}
	return text, true
}
