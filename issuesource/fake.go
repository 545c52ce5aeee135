package issuesource

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client implementation used to drive the S1-S7 seed
// scenarios and unit tests without a network dependency.
type Fake struct {
	mu sync.Mutex

	issues         map[int]Issue
	nextIssueID    int
	crsByBranch    map[string]*ChangeRequest
	crs            map[int]*ChangeRequest
	nextCRID       int
	reviews        map[int][]Review
	comments       map[int][]RawComment
	checkStatus    map[string]CheckStatus
	merged         map[int]bool
	createCRCalls  int // exercised by idempotence tests
}

// NewFake returns an empty Fake ready for seeding via AddIssue/SeedReview/etc.
func NewFake() *Fake {
	return &Fake{
		issues:      make(map[int]Issue),
		nextIssueID: 1000,
		crsByBranch: make(map[string]*ChangeRequest),
		crs:         make(map[int]*ChangeRequest),
		nextCRID:    1001,
		reviews:     make(map[int][]Review),
		comments:    make(map[int][]RawComment),
		checkStatus: make(map[string]CheckStatus),
		merged:      make(map[int]bool),
	}
}

func (f *Fake) AddIssue(issue Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue.Complexity == "" {
		issue.Complexity = EstimateComplexity(issue.Labels, len(issue.Body))
	}
	f.issues[issue.ID] = issue
}

func (f *Fake) SetCheckStatus(commit string, status CheckStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkStatus[commit] = status
}

func (f *Fake) SetMergeable(crID int, m Mergeability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cr, ok := f.crs[crID]; ok {
		cr.Mergeable = m
	}
}

func (f *Fake) AddReview(crID int, r Review) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews[crID] = append(f.reviews[crID], r)
}

func (f *Fake) AddComment(crID int, c RawComment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[crID] = append(f.comments[crID], c)
}

func (f *Fake) ListOpenIssues(ctx context.Context, filter ListFilter) ([]Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Issue
	for _, i := range f.issues {
		if matchesFilter(i.Labels, filter) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *Fake) GetIssue(ctx context.Context, id int) (Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.issues[id]
	if !ok {
		return Issue{}, ErrNotFound
	}
	return i, nil
}

func (f *Fake) FindOpenChangeRequestForBranch(ctx context.Context, branch string) (*ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.crsByBranch[branch]
	if !ok {
		return nil, nil
	}
	copyCR := *cr
	return &copyCR, nil
}

// CreateChangeRequest is idempotent: a second call for the same branch
// returns the same ChangeRequest id, matching the forge's 422-on-duplicate
// semantics without needing to simulate an actual error response.
func (f *Fake) CreateChangeRequest(ctx context.Context, branch, title, body string) (ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCRCalls++
	if existing, ok := f.crsByBranch[branch]; ok {
		return *existing, nil
	}
	cr := &ChangeRequest{
		ID:          f.nextCRID,
		URL:         fmt.Sprintf("https://example.invalid/pull/%d", f.nextCRID),
		HeadBranch:  branch,
		HeadCommit:  fmt.Sprintf("sha-%d", f.nextCRID),
		Mergeable:   MergeableTrue,
		CheckStatus: CheckPending,
	}
	f.nextCRID++
	f.crsByBranch[branch] = cr
	f.crs[cr.ID] = cr
	copyCR := *cr
	return copyCR, nil
}

func (f *Fake) ListReviews(ctx context.Context, cr ChangeRequest) ([]Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Review(nil), f.reviews[cr.ID]...), nil
}

func (f *Fake) ListIssueComments(ctx context.Context, cr ChangeRequest) ([]RawComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RawComment(nil), f.comments[cr.ID]...), nil
}

func (f *Fake) GetCombinedCheckStatus(ctx context.Context, commit string) (CheckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.checkStatus[commit]
	if !ok {
		return CheckPending, nil
	}
	return s, nil
}

func (f *Fake) Merge(ctx context.Context, cr ChangeRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[cr.ID] = true
	return true, nil
}

func (f *Fake) Mergeable(ctx context.Context, cr ChangeRequest) (Mergeability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.crs[cr.ID]; ok {
		return stored.Mergeable, nil
	}
	return MergeableUnknown, nil
}

func (f *Fake) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextIssueID
	f.nextIssueID++
	f.issues[id] = Issue{ID: id, Title: title, Body: body, Labels: labels}
	return id, nil
}

var _ Client = (*Fake)(nil)
var _ Client = (*RESTClient)(nil)
