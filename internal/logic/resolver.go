// Package logic resolves question visibility and branch destinations from
// recorded answers. Question-level jumps take strict precedence over
// page-level jumps; within a level, rules fire in ascending priority and the
// first match wins.
package logic

import (
	"errors"
	"fmt"
	"sort"

	"fieldgate.org/internal/expr"
)

// ErrNavigationCycle is returned when a traversal revisits a node it has
// already passed through. Authoring is responsible for preventing cycles;
// the resolver refuses to loop when one slips through.
var ErrNavigationCycle = errors.New("navigation cycle detected")

// Question carries the identifiers and display condition the resolver needs.
// DisplayDSL empty means the question is always shown.
type Question struct {
	ID         string
	PageID     string
	Variable   string
	DisplayDSL string
}

// QuestionJump branches away from a question once its answer is recorded.
// ConditionDSL empty means the rule is unconditional. Exactly one of
// ToQuestionID / ToPageID is set.
type QuestionJump struct {
	FromQuestionID string
	ConditionDSL   string
	ToQuestionID   string
	ToPageID       string
	Priority       int
}

// PageJump branches at the end of a page; evaluated only when no
// question-level jump fired.
type PageJump struct {
	FromPageID   string
	ConditionDSL string
	ToPageID     string
	Priority     int
}

// Destination is the resolved next stop. Sequential reports that no rule
// fired and the caller should fall through to natural order.
type Destination struct {
	QuestionID string
	PageID     string
	Sequential bool
}

// Resolver evaluates display and jump rules for one survey. It is read-only
// after construction and safe for concurrent use.
type Resolver struct {
	questions     map[string]Question
	questionJumps map[string][]QuestionJump
	pageJumps     map[string][]PageJump
}

// NewResolver indexes the given rules. Jump lists are sorted by ascending
// priority; ties keep their authoring order.
func NewResolver(questions []Question, qjumps []QuestionJump, pjumps []PageJump) *Resolver {
	r := &Resolver{
		questions:     make(map[string]Question, len(questions)),
		questionJumps: make(map[string][]QuestionJump),
		pageJumps:     make(map[string][]PageJump),
	}
	for _, q := range questions {
		r.questions[q.ID] = q
	}
	for _, j := range qjumps {
		r.questionJumps[j.FromQuestionID] = append(r.questionJumps[j.FromQuestionID], j)
	}
	for _, j := range pjumps {
		r.pageJumps[j.FromPageID] = append(r.pageJumps[j.FromPageID], j)
	}
	for id := range r.questionJumps {
		rules := r.questionJumps[id]
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	}
	for id := range r.pageJumps {
		rules := r.pageJumps[id]
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	}
	return r
}

// ShouldDisplay evaluates the question's display condition against the
// answers recorded so far. Unknown questions and empty conditions display.
func (r *Resolver) ShouldDisplay(questionID string, answers expr.Answers) (bool, error) {
	q, ok := r.questions[questionID]
	if !ok || q.DisplayDSL == "" {
		return true, nil
	}
	show, err := expr.Evaluate(q.DisplayDSL, answers)
	if err != nil {
		return false, fmt.Errorf("display condition for question %s: %w", questionID, err)
	}
	return show, nil
}

// NextAfterQuestion resolves the destination after the given question's
// answer was recorded. Question-level rules are tried first; if none fires,
// the question's page rules are tried; if none fires there either, the
// result is sequential fallthrough.
func (r *Resolver) NextAfterQuestion(questionID string, answers expr.Answers) (Destination, error) {
	for _, rule := range r.questionJumps[questionID] {
		fired, err := r.ruleFires(rule.ConditionDSL, answers)
		if err != nil {
			return Destination{}, fmt.Errorf("jump rule from question %s: %w", questionID, err)
		}
		if fired {
			return Destination{QuestionID: rule.ToQuestionID, PageID: rule.ToPageID}, nil
		}
	}
	if q, ok := r.questions[questionID]; ok && q.PageID != "" {
		return r.NextAfterPage(q.PageID, answers)
	}
	return Destination{Sequential: true}, nil
}

// NextAfterPage resolves page-level branching for a finished page.
func (r *Resolver) NextAfterPage(pageID string, answers expr.Answers) (Destination, error) {
	for _, rule := range r.pageJumps[pageID] {
		fired, err := r.ruleFires(rule.ConditionDSL, answers)
		if err != nil {
			return Destination{}, fmt.Errorf("jump rule from page %s: %w", pageID, err)
		}
		if fired {
			return Destination{PageID: rule.ToPageID}, nil
		}
	}
	return Destination{Sequential: true}, nil
}

func (r *Resolver) ruleFires(dsl string, answers expr.Answers) (bool, error) {
	if dsl == "" {
		// A rule without a condition is unconditional.
		return true, nil
	}
	return expr.Evaluate(dsl, answers)
}

// Traversal tracks visited nodes within one respondent's pass so that
// rule-induced cycles fail fast instead of looping.
type Traversal struct {
	visited map[string]struct{}
}

// NewTraversal starts a traversal, optionally seeded with nodes already
// reached earlier in the same respondent pass.
func NewTraversal(visited ...string) *Traversal {
	t := &Traversal{visited: make(map[string]struct{}, len(visited))}
	for _, node := range visited {
		if node != "" {
			t.visited[node] = struct{}{}
		}
	}
	return t
}

// Visit records arrival at a node (question or page id). Returning to a node
// already seen in this traversal yields ErrNavigationCycle.
func (t *Traversal) Visit(nodeID string) error {
	if nodeID == "" {
		return nil
	}
	if _, seen := t.visited[nodeID]; seen {
		return fmt.Errorf("%w: node %s revisited", ErrNavigationCycle, nodeID)
	}
	t.visited[nodeID] = struct{}{}
	return nil
}

// Follow resolves the destination after questionID and records it against
// the traversal, surfacing cycles as errors.
func (r *Resolver) Follow(t *Traversal, questionID string, answers expr.Answers) (Destination, error) {
	dest, err := r.NextAfterQuestion(questionID, answers)
	if err != nil {
		return Destination{}, err
	}
	if dest.Sequential {
		return dest, nil
	}
	target := dest.QuestionID
	if target == "" {
		target = dest.PageID
	}
	if err := t.Visit(target); err != nil {
		return Destination{}, err
	}
	return dest, nil
}
