package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/reelscribe/reelscribe/internal/normalize"
)

// supportedHosts is the allowlist of hosts reel_url may point at. Reels
// are an Instagram-coined content shape; the allowlist starts narrow and
// is grown deliberately, not opportunistically, to avoid turning the
// downloader into an open proxy.
var supportedHosts = map[string]bool{
	"instagram.com":     true,
	"www.instagram.com": true,
}

var (
	subscriberIDPattern = regexp.MustCompile(`^[0-9]{1,20}$`)
	reelPathPattern     = regexp.MustCompile(`/reels?/[A-Za-z0-9_-]+`)
	languageHintPattern = regexp.MustCompile(`^[A-Za-z]{1,50}$`)
	structuralInjection = regexp.MustCompile("[<>{}`]")
	placeholderPattern  = regexp.MustCompile(`^\{\{.*\}\}$`)
)

var validTones = map[string]bool{
	"professional": true,
	"funny":        true,
	"provocative":  true,
	"educational":  true,
	"casual":       true,
}

var validModes = map[string]bool{
	"full":      true,
	"hook_only": true,
}

// generateRequest is the decoded POST /api/v1/script/generate body.
type generateRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ReelURL      string `json:"reel_url"`
	UserIdea     string `json:"user_idea"`
	ToneHint     string `json:"tone_hint"`
	LanguageHint string `json:"language_hint"`
	Mode         string `json:"mode"`
}

// coercePlaceholders rewrites any field matching the vendor's `{{…}}`
// placeholder convention to empty, so an un-substituted template
// variable is treated as absent rather than as literal text.
func (g *generateRequest) coercePlaceholders() {
	for _, f := range []*string{&g.SubscriberID, &g.ReelURL, &g.UserIdea, &g.ToneHint, &g.LanguageHint, &g.Mode} {
		if placeholderPattern.MatchString(strings.TrimSpace(*f)) {
			*f = ""
		}
	}
	g.ToneHint = normalize.Token(g.ToneHint)
	g.LanguageHint = normalize.Token(g.LanguageHint)
	g.Mode = normalize.Token(g.Mode)
}

// validate checks the payload shape per the ingress contract, returning
// a concise reason string on the first violation found. reel_url is
// optional: a bare conversational message (a trigger word, a reply to an
// "awaiting idea" prompt, or an onboarding utterance) carries no URL, so
// only a non-empty reel_url is shape-checked. user_idea carries the
// conversational message itself, which may be as short as a single
// trigger word ("go", "redo", "yes"), so only the upper bound and the
// injection-character check are enforced on it; at least one of
// reel_url or user_idea must be present.
func (g *generateRequest) validate() error {
	if !subscriberIDPattern.MatchString(g.SubscriberID) {
		return fmt.Errorf("subscriber_id must be a numeric string")
	}

	if g.ReelURL != "" {
		if err := validateReelURL(g.ReelURL); err != nil {
			return err
		}
	}

	if g.ReelURL == "" && g.UserIdea == "" {
		return fmt.Errorf("one of reel_url or user_idea is required")
	}
	if len(g.UserIdea) > 500 {
		return fmt.Errorf("user_idea must be at most 500 characters")
	}
	if structuralInjection.MatchString(g.UserIdea) {
		return fmt.Errorf("user_idea contains disallowed characters")
	}

	if g.ToneHint != "" && !validTones[g.ToneHint] {
		return fmt.Errorf("tone_hint must be one of professional, funny, provocative, educational, casual")
	}
	if g.LanguageHint != "" && !languageHintPattern.MatchString(g.LanguageHint) {
		return fmt.Errorf("language_hint must be letters only, at most 50 characters")
	}
	if g.Mode != "" && !validModes[g.Mode] {
		return fmt.Errorf("mode must be full or hook_only")
	}

	return nil
}

func validateReelURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("reel_url is not a valid URL")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("reel_url must use https")
	}
	if !supportedHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("reel_url host is not supported")
	}
	if !reelPathPattern.MatchString(u.Path) {
		return fmt.Errorf("reel_url path does not match the expected reel shape")
	}
	return nil
}
