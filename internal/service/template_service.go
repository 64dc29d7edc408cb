// internal/service/template_service.go
package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

var closingBody = regexp.MustCompile(`(?i)</body>`)

// RenderTemplate replaces every {{key}} with vars[key]. Unknown keys render
// as the empty string.
func RenderTemplate(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[key]
	})
}

// TrackingPixel builds the invisible open-tracking image. An empty
// subscriberID produces the newsletter-only URL.
func TrackingPixel(apiURL, newsletterID, subscriberID string) string {
	src := fmt.Sprintf("%s/newsletter/track/%s", strings.TrimRight(apiURL, "/"), newsletterID)
	if subscriberID != "" {
		src += "/" + subscriberID
	}
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;" />`, src)
}

// InjectTrackingPixel inserts pixel before the first </body>. It reports
// false and returns html untouched when there is no closing body tag.
func InjectTrackingPixel(html, pixel string) (string, bool) {
	loc := closingBody.FindStringIndex(html)
	if loc == nil {
		return html, false
	}
	return html[:loc[0]] + pixel + html[loc[0]:], true
}

// Tracking asks Render to add an open pixel. APIURL and NewsletterID must
// be set.
type Tracking struct {
	APIURL       string
	NewsletterID string
	SubscriberID string
}

// Render substitutes placeholders and, when tracking is requested, injects
// the pixel before </body>. Fragments without a body tag get it appended.
func Render(template string, vars map[string]string, tracking *Tracking) string {
	out := RenderTemplate(template, vars)
	if tracking == nil || tracking.APIURL == "" || tracking.NewsletterID == "" {
		return out
	}
	pixel := TrackingPixel(tracking.APIURL, tracking.NewsletterID, tracking.SubscriberID)
	if withPixel, ok := InjectTrackingPixel(out, pixel); ok {
		return withPixel
	}
	return out + pixel
}

// UnsubscribeURL personalizes the campaign's unsubscribe link.
func UnsubscribeURL(base, email, newsletterID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "email=" + url.QueryEscape(email) + "&id=" + url.QueryEscape(newsletterID)
}
