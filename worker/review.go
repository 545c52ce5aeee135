package worker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/foundry-ci/foundry/issuesource"
)

// changeImplyingKeywords are the conservative, literal keyword set from §4.3
// used to infer CHANGES_REQUESTED from a synthesized bot comment's body. Do
// not widen this list without updating the S2 scenario test — see SPEC_FULL.md
// §9's note on this heuristic being deliberately conservative.
var changeImplyingKeywords = []string{"must", "should", "need to", "fix:", "bug:", "error:", "problem:"}

// blockingKeywords governs Comment.Blocking derivation for individual
// comments within a synthesized or real review.
var blockingKeywords = []string{"must", "required", "security", "blocking"}

var fileLineRef = regexp.MustCompile(`\[([^\]:]+):(\d+)(?:-(\d+))?\]`)

// IsBotReviewer reports whether an author's comments should be lifted to a
// synthetic review: bot-typed accounts, or human-typed accounts whose login
// contains "claude" or "anthropic" (the forge's PR-bot naming convention).
func IsBotReviewer(author issuesource.Author) bool {
	if author.Type == issuesource.AuthorBot {
		return true
	}
	login := strings.ToLower(author.Login)
	return strings.Contains(login, "claude") || strings.Contains(login, "anthropic")
}

// SynthesizeReview lifts a bot-authored issue comment to a Review, per the
// §4.3 review-synthesis rule. Returns false if comment is not bot-authored.
func SynthesizeReview(comment issuesource.RawComment) (issuesource.Review, bool) {
	if !IsBotReviewer(comment.Author) {
		return issuesource.Review{}, false
	}

	state := issuesource.ReviewCommented
	lower := strings.ToLower(comment.Body)
	for _, kw := range changeImplyingKeywords {
		if strings.Contains(lower, kw) {
			state = issuesource.ReviewChangesRequested
			break
		}
	}

	comments := extractFileLineComments(comment.Body)
	if len(comments) == 0 {
		comments = []issuesource.Comment{{Body: comment.Body, Blocking: bodyIsBlocking(comment.Body)}}
	}

	return issuesource.Review{
		ID:       comment.ID,
		State:    state,
		Author:   comment.Author,
		Body:     comment.Body,
		Comments: comments,
	}, true
}

// extractFileLineComments finds every "[path:line]" or "[path:line-range]"
// reference in body and turns it into a synthetic Comment.
func extractFileLineComments(body string) []issuesource.Comment {
	matches := fileLineRef.FindAllStringSubmatchIndex(body, -1)
	if matches == nil {
		return nil
	}
	var out []issuesource.Comment
	for _, m := range matches {
		path := body[m[2]:m[3]]
		lineStr := body[m[4]:m[5]]
		line, err := strconv.Atoi(lineStr)
		if err != nil {
			continue
		}
		out = append(out, issuesource.Comment{
			Path:     path,
			Line:     line,
			Body:     body,
			Blocking: bodyIsBlocking(body),
		})
	}
	return out
}

func bodyIsBlocking(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range blockingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ReviewTracker records which review/comment ids have already triggered
// addressing_feedback, so re-observing the same content is a no-op (per the
// §8 round-trip property).
type ReviewTracker struct {
	seen map[string]bool
}

// NewReviewTracker returns an empty tracker.
func NewReviewTracker() *ReviewTracker {
	return &ReviewTracker{seen: make(map[string]bool)}
}

// MarkSeen records id as processed and reports whether it was new.
func (t *ReviewTracker) MarkSeen(id string) (isNew bool) {
	if t.seen[id] {
		return false
	}
	t.seen[id] = true
	return true
}

// PartitionComments splits a review's comments into blocking and non-blocking
// sets, per the addressing_feedback phase's requirement in §4.3.
func PartitionComments(comments []issuesource.Comment) (blocking, nonBlocking []issuesource.Comment) {
	for _, c := range comments {
		if c.Blocking {
			blocking = append(blocking, c)
		} else {
			nonBlocking = append(nonBlocking, c)
		}
	}
	return blocking, nonBlocking
}
