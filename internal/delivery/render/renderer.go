// Package render turns a template plus one recipient into a fully
// personalized, tracking-instrumented email ready for the transport
// dispatcher.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

// Input carries everything one render needs.
type Input struct {
	Template         *domain.Template
	Campaign         *domain.Campaign
	Contact          *domain.Contact
	TrackingToken    string
	UnsubscribeToken string
}

// RenderedEmail is handed unmodified to the transport dispatcher.
type RenderedEmail struct {
	To      string
	From    string
	ReplyTo string
	Subject string
	Body    string
	// Headers are the compliance headers attached alongside the standard
	// From/To/Subject set.
	Headers map[string]string
}

// Renderer personalizes templates and injects tracking artifacts.
type Renderer struct {
	shortLinks repository.ShortLinkRepository
	baseURL    string
	idDomain   string
	logger     *slog.Logger
}

// NewRenderer creates a Renderer. baseURL is the public tracking origin;
// idDomain is the host part of synthesized Message-ID headers.
func NewRenderer(shortLinks repository.ShortLinkRepository, baseURL, idDomain string, logger *slog.Logger) *Renderer {
	return &Renderer{
		shortLinks: shortLinks,
		baseURL:    strings.TrimRight(baseURL, "/"),
		idDomain:   idDomain,
		logger:     logger.With("service", "renderer"),
	}
}

// mergeTagRe matches {{field}} and {{field|default}}.
var mergeTagRe = regexp.MustCompile(`\{\{\s*([\w.]+)\s*(?:\|([^}]*))?\}\}`)

// hrefRe matches absolute http(s) link destinations. mailto: and anchors
// are left alone.
var hrefRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

var bodyCloseRe = regexp.MustCompile(`(?i)</body>`)

// Render runs the full pipeline: merge tags, link rewrite, unsubscribe
// footer, tracking pixel, compliance headers.
func (r *Renderer) Render(ctx context.Context, in Input) (*RenderedEmail, error) {
	fields := contactFields(in.Contact)

	subject := MergeTags(in.Template.Subject, fields)
	body := MergeTags(in.Template.Body, fields)

	body, err := r.rewriteLinks(ctx, body, in)
	if err != nil {
		return nil, fmt.Errorf("rewriting links: %w", err)
	}

	unsubURL := r.unsubscribeURL(in.UnsubscribeToken)
	body = appendUnsubscribeFooter(body, unsubURL)
	body = injectTrackingPixel(body, r.openPixelURL(in.TrackingToken))

	from := in.Campaign.FromEmail
	if in.Campaign.FromName != "" {
		from = fmt.Sprintf("%s <%s>", in.Campaign.FromName, in.Campaign.FromEmail)
	}
	replyTo := ""
	if in.Campaign.ReplyTo.Valid {
		replyTo = in.Campaign.ReplyTo.String
	}

	return &RenderedEmail{
		To:      in.Contact.Email,
		From:    from,
		ReplyTo: replyTo,
		Subject: subject,
		Body:    body,
		Headers: ComplianceHeaders(unsubURL, in.Campaign.ID, in.Contact.ID, r.idDomain),
	}, nil
}

// MergeTags substitutes {{field|default}} tags. A missing field resolves to
// the default, or the empty string; substitution never fails.
func MergeTags(text string, fields map[string]string) string {
	return mergeTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		parts := mergeTagRe.FindStringSubmatch(tag)
		field := parts[1]
		fallback := strings.TrimSpace(parts[2])
		if val, ok := fields[field]; ok && val != "" {
			return val
		}
		return fallback
	})
}

func contactFields(c *domain.Contact) map[string]string {
	fields := map[string]string{
		"email": c.Email,
		"name":  c.Name,
	}
	for k, v := range c.CustomFields {
		fields[k] = v
	}
	return fields
}

// rewriteLinks redirects every absolute link through the click endpoint.
// The same destination within one campaign always maps to the same short
// code; links already pointing at the tracking origin are left alone.
func (r *Renderer) rewriteLinks(ctx context.Context, body string, in Input) (string, error) {
	var firstErr error
	rewritten := hrefRe.ReplaceAllStringFunc(body, func(match string) string {
		if firstErr != nil {
			return match
		}
		url := hrefRe.FindStringSubmatch(match)[1]
		if strings.HasPrefix(url, r.baseURL+"/track/") {
			return match
		}
		link, err := r.shortLinks.GetOrCreate(ctx, in.Campaign.ID, url)
		if err != nil {
			firstErr = err
			return match
		}
		return fmt.Sprintf(`href="%s/track/click/%s/%s"`, r.baseURL, link.ShortCode, in.TrackingToken)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return rewritten, nil
}

func (r *Renderer) openPixelURL(trackingToken string) string {
	return fmt.Sprintf("%s/track/open/%s.png", r.baseURL, trackingToken)
}

func (r *Renderer) unsubscribeURL(unsubToken string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s", r.baseURL, unsubToken)
}

func appendUnsubscribeFooter(body, unsubURL string) string {
	footer := fmt.Sprintf(
		`<p style="font-size:12px;color:#666;">You are receiving this email because you subscribed to our list. <a href="%s">Unsubscribe</a></p>`,
		unsubURL)
	if loc := bodyCloseRe.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + footer + body[loc[0]:]
	}
	return body + footer
}

// injectTrackingPixel places the 1x1 pixel just before the closing body
// tag, or appends it when the template has none.
func injectTrackingPixel(body, pixelURL string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;"/>`, pixelURL)
	if loc := bodyCloseRe.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + pixel + body[loc[0]:]
	}
	return body + pixel
}
