package worker

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// renderIssueBody converts a forge issue's markdown body into plain text
// suitable for splicing into a code-generation prompt. Issue bodies often
// carry heavy markdown (checklists, fenced code blocks, headers) that reads
// poorly as raw source in a prompt; rendering through goldmark and then
// stripping the resulting tags keeps the prose and code blocks while
// dropping link syntax, emphasis markers, and heading hashes.
func renderIssueBody(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return body
	}
	plain := htmlTagPattern.ReplaceAllString(buf.String(), "")
	return strings.TrimSpace(html.UnescapeString(plain))
}
