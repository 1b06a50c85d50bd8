// Package intent parses a subscriber's free-text message into a tagged
// conversational command plus orthogonal tone/intensity/hook-only
// modifiers. Grounded in the teacher's internal/normalize package shape:
// pure, dependency-free text transforms driven by ordered pattern tables
// rather than maps, so match priority stays reproducible.
package intent

import (
	"regexp"
	"strings"

	"github.com/reelscribe/reelscribe/internal/canon"
)

// Type is the conversational command a message carries.
type Type string

const (
	TypeGenerate         Type = "generate"
	TypeCopy             Type = "copy"
	TypeRedo             Type = "redo"
	TypePositiveFeedback Type = "positive_feedback"
	TypeNegativeFeedback Type = "negative_feedback"
	TypeIdea             Type = "idea"
	TypeUnknown          Type = "unknown"
)

// Polarity is set on feedback-typed results.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

// Intensity is the requested generation depth, a modifier orthogonal to
// Type. It defaults to medium when no modifier phrase is present.
type Intensity string

const (
	IntensityLite   Intensity = "lite"
	IntensityMedium Intensity = "medium"
	IntensityDeep   Intensity = "deep"
)

// Result is the full structured output of Parse.
type Result struct {
	Type             Type
	IsInstantFlow    bool
	IsCopyFlow       bool
	IsRedo           bool
	FeedbackPolarity Polarity
	DetectedTone     string
	Intensity        Intensity
	IsHookOnly       bool
	CleanedMessage   string
	Confidence       float64
	MatchedPattern   string
}

type rule struct {
	label   string
	pattern *regexp.Regexp
}

// copyTriggers mark a request to format the existing analysis verbatim
// into hook/body/CTA rather than running the generator (copy mode).
// Priority class 1: checked before every other trigger class.
var copyTriggers = []rule{
	{"copy_mode", regexp.MustCompile(`\bcopy\s*mode\b`)},
	{"copy_verbatim", regexp.MustCompile(`\b(just\s+)?copy\s+(this|it|that)\b`)},
	{"copy_reuse", regexp.MustCompile(`\breuse\s+(the\s+)?(footage|transcript|clip)\b`)},
	{"copy_short", regexp.MustCompile(`^\s*copy\s*$`)},
}

// generateTriggers mark the instant flow: generate now with a default
// idea picked by the ingress handler's decision tree. Priority class 2.
var generateTriggers = []rule{
	{"generate_explicit", regexp.MustCompile(`\bgenerate\b`)},
	{"generate_instant", regexp.MustCompile(`\binstant(ly)?\b`)},
	{"generate_justdoit", regexp.MustCompile(`\b(just\s+)?(post|ship)\s+it\b`)},
	{"generate_surprise", regexp.MustCompile(`\bsurprise\s+me\b`)},
	{"generate_go", regexp.MustCompile(`^\s*go\s*!?\s*$`)},
}

// redoTriggers mark a request to regenerate the prior session's (url,
// idea) pair at the next variation index. Priority class 3.
var redoTriggers = []rule{
	{"redo_explicit", regexp.MustCompile(`\bredo\b`)},
	{"redo_again", regexp.MustCompile(`\b(do|try)\s+(it\s+)?again\b`)},
	{"redo_another", regexp.MustCompile(`\banother\s+(one|version|take)\b`)},
	{"redo_one_more", regexp.MustCompile(`\bone\s+more\b`)},
	{"redo_regenerate", regexp.MustCompile(`\bregenerate\b`)},
}

// positiveFeedbackTriggers. Priority class 4.
var positiveFeedbackTriggers = []rule{
	{"feedback_love", regexp.MustCompile(`\b(love|loved|loving)\s+(it|this)\b`)},
	{"feedback_great", regexp.MustCompile(`\b(great|perfect|awesome|amazing|nailed it)\b`)},
	{"feedback_nice", regexp.MustCompile(`\b(nice|good job|well done)\b`)},
	{"feedback_yes", regexp.MustCompile(`^\s*(yes|yep|yup)[.!]*\s*$`)},
}

// negativeFeedbackTriggers. Priority class 5.
var negativeFeedbackTriggers = []rule{
	{"feedback_hate", regexp.MustCompile(`\b(hate|hated|dislike)\s+(it|this)\b`)},
	{"feedback_bad", regexp.MustCompile(`\b(bad|terrible|awful|not good|doesn'?t work)\b`)},
	{"feedback_wrong", regexp.MustCompile(`\b(wrong|off[- ]target|missed the mark)\b`)},
	{"feedback_no", regexp.MustCompile(`^\s*(no|nope)[.!]*\s*$`)},
}

var toneRules = []rule{
	{"humorous", regexp.MustCompile(`\b(funny|hilarious|joke|comedic|lol)\b`)},
	{"dramatic", regexp.MustCompile(`\b(dramatic|intense|shocking|suspenseful)\b`)},
	{"inspiring", regexp.MustCompile(`\b(inspiring|motivational|uplifting)\b`)},
}

var intensityRules = []struct {
	intensity Intensity
	pattern   *regexp.Regexp
}{
	{IntensityLite, regexp.MustCompile(`\b(lite|quick|fast|short)\b`)},
	{IntensityDeep, regexp.MustCompile(`\b(deep|thorough|detailed|long[- ]form)\b`)},
}

var hookOnlyPattern = regexp.MustCompile(`\b(just the hook|hook only|only the hook|first line only)\b`)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// modifierPatterns are stripped from CleanedMessage alongside whichever
// trigger pattern matched, since modifier extraction is orthogonal to
// Type classification.
var modifierPatterns = collectModifierPatterns()

func collectModifierPatterns() []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, r := range toneRules {
		out = append(out, r.pattern)
	}
	for _, r := range intensityRules {
		out = append(out, r.pattern)
	}
	return append(out, hookOnlyPattern)
}

var classes = []struct {
	typ        Type
	confidence float64
	rules      []rule
}{
	{TypeCopy, 0.95, copyTriggers},
	{TypeGenerate, 0.95, generateTriggers},
	{TypeRedo, 0.95, redoTriggers},
	{TypePositiveFeedback, 0.85, positiveFeedbackTriggers},
	{TypeNegativeFeedback, 0.85, negativeFeedbackTriggers},
}

// Parse classifies raw into a tagged Result. Parsing is deterministic and
// pure: the same raw always yields the same Result, and Parse performs no
// I/O. Priority order for Type (first match wins): copy > generate/
// instant > redo > positive feedback > negative feedback > idea (cleaned
// length > 3) > unknown. Within a priority class, the pattern list
// ordering above is contractual and must be preserved. Modifier
// extraction (tone, intensity, hook-only) is orthogonal and may co-occur
// with any Type.
func Parse(raw string) Result {
	normalized := strings.Join(strings.Fields(raw), " ")
	folded := canon.FoldIntent(normalized)

	result := Result{
		Type:      TypeUnknown,
		Intensity: IntensityMedium,
	}

classification:
	for _, class := range classes {
		for _, r := range class.rules {
			if r.pattern.MatchString(folded) {
				result.Type = class.typ
				result.Confidence = class.confidence
				result.MatchedPattern = r.label
				break classification
			}
		}
	}

	for _, r := range toneRules {
		if r.pattern.MatchString(folded) {
			result.DetectedTone = r.label
			break
		}
	}
	for _, r := range intensityRules {
		if r.pattern.MatchString(folded) {
			result.Intensity = r.intensity
			break
		}
	}
	result.IsHookOnly = hookOnlyPattern.MatchString(folded)

	result.CleanedMessage = clean(normalized)

	if result.Type == TypeUnknown {
		if len(result.CleanedMessage) > 3 {
			result.Type = TypeIdea
			result.Confidence = 0.55
		} else {
			result.Confidence = 0.15
		}
	}

	switch result.Type {
	case TypeGenerate:
		result.IsInstantFlow = true
	case TypeCopy:
		result.IsCopyFlow = true
		result.IsInstantFlow = true
	case TypeRedo:
		result.IsRedo = true
	case TypePositiveFeedback:
		result.FeedbackPolarity = PolarityPositive
	case TypeNegativeFeedback:
		result.FeedbackPolarity = PolarityNegative
	}

	return result
}

// clean removes every matched trigger and modifier token from normalized,
// collapsing the remaining whitespace, so CleanedMessage carries only the
// subscriber's actual content (e.g. an idea, once triggers are stripped).
func clean(normalized string) string {
	text := normalized
	for _, group := range [][]rule{
		copyTriggers, generateTriggers, redoTriggers,
		positiveFeedbackTriggers, negativeFeedbackTriggers,
	} {
		for _, tr := range group {
			text = regexp.MustCompile("(?i)"+tr.pattern.String()).ReplaceAllString(text, " ")
		}
	}
	for _, mp := range modifierPatterns {
		text = regexp.MustCompile("(?i)"+mp.String()).ReplaceAllString(text, " ")
	}
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

// ExtractURL returns the first embedded URL in raw along with the
// remainder of the message with that URL removed. found is false when raw
// carries no URL.
func ExtractURL(raw string) (url, remainder string, found bool) {
	loc := urlPattern.FindStringIndex(raw)
	if loc == nil {
		return "", raw, false
	}
	url = raw[loc[0]:loc[1]]
	remainder = strings.TrimSpace(raw[:loc[0]] + " " + raw[loc[1]:])
	return url, remainder, true
}

// ParseMessage is a convenience wrapper that extracts an embedded URL (if
// any) and classifies the remainder, so "<url> generate" and "generate"
// with the URL supplied out of band parse to equivalent Results. url is
// empty when raw carries none.
func ParseMessage(raw string) (result Result, url string) {
	extractedURL, remainder, found := ExtractURL(raw)
	if !found {
		return Parse(raw), ""
	}
	return Parse(remainder), extractedURL
}
