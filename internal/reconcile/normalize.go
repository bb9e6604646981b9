package reconcile

import (
	"regexp"
	"strings"
)

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	entityPattern = regexp.MustCompile(`&[a-zA-Z#0-9]+;`)
)

// entities we actually see in message store responses; anything else is
// dropped rather than decoded.
var entities = map[string]string{
	"&nbsp;": " ",
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": `"`,
	"&#39;":  "'",
}

// NormalizeBody reduces a message body to a canonical comparable form:
// plain text preferred, HTML stripped of tags and common entities,
// whitespace collapsed. Server echoes render optimistic bodies through
// templating, so byte equality of the raw bodies cannot be assumed.
func NormalizeBody(bodyText, bodyHTML string) string {
	s := bodyText
	if s == "" {
		s = bodyHTML
	}
	s = tagPattern.ReplaceAllString(s, " ")
	s = entityPattern.ReplaceAllStringFunc(s, func(e string) string {
		if repl, ok := entities[e]; ok {
			return repl
		}
		return " "
	})
	return strings.Join(strings.Fields(s), " ")
}
