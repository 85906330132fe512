package server

import (
	"bytes"
	"regexp"
)

// Transform is a search and replace applied to the response body before
// it is served and stored. Literal by default; Regex compiles Search as
// a regular expression with $N group references in Replace.
type Transform struct {
	Search  string `mapstructure:"search"`
	Replace string `mapstructure:"replace"`
	Regex   bool   `mapstructure:"regex"`

	re      *regexp.Regexp
	invalid bool
}

// Compile prepares the transform. A malformed pattern disables this
// transform only; the rest of the list keeps working.
func (t *Transform) Compile() error {
	if !t.Regex {
		return nil
	}
	re, err := regexp.Compile(t.Search)
	if err != nil {
		t.invalid = true
		return err
	}
	t.re = re
	return nil
}

// Apply runs the transform list over the body in declaration order.
func applyTransforms(body []byte, transforms []*Transform) []byte {
	for _, t := range transforms {
		if t == nil || t.invalid || t.Search == "" {
			continue
		}
		if t.Regex {
			if t.re == nil {
				continue
			}
			body = t.re.ReplaceAll(body, []byte(t.Replace))
			continue
		}
		body = bytes.ReplaceAll(body, []byte(t.Search), []byte(t.Replace))
	}
	return body
}
