package pg

import (
	"context"

	"fieldgate.org/internal/logic"
)

// LoadResolvers builds the per-survey navigation resolvers from the
// published logic tables. Called at startup and after an authoring
// republish; resolvers are immutable once built.
func (s *Store) LoadResolvers(ctx context.Context) (map[string]*logic.Resolver, error) {
	questions := make(map[string][]logic.Question)
	rows, err := s.db.QueryContext(ctx, `
		select survey_id, id, page_id, variable, coalesce(display_dsl,'')
		from survey_questions order by survey_id, position
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var surveyID string
		var q logic.Question
		if err := rows.Scan(&surveyID, &q.ID, &q.PageID, &q.Variable, &q.DisplayDSL); err != nil {
			rows.Close()
			return nil, err
		}
		questions[surveyID] = append(questions[surveyID], q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qjumps := make(map[string][]logic.QuestionJump)
	rows, err = s.db.QueryContext(ctx, `
		select survey_id, from_question_id, coalesce(condition_dsl,''),
		       coalesce(to_question_id,''), coalesce(to_page_id,''), priority
		from question_jumps order by survey_id, from_question_id, priority
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var surveyID string
		var j logic.QuestionJump
		if err := rows.Scan(&surveyID, &j.FromQuestionID, &j.ConditionDSL, &j.ToQuestionID, &j.ToPageID, &j.Priority); err != nil {
			rows.Close()
			return nil, err
		}
		qjumps[surveyID] = append(qjumps[surveyID], j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pjumps := make(map[string][]logic.PageJump)
	rows, err = s.db.QueryContext(ctx, `
		select survey_id, from_page_id, coalesce(condition_dsl,''), to_page_id, priority
		from page_jumps order by survey_id, from_page_id, priority
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var surveyID string
		var j logic.PageJump
		if err := rows.Scan(&surveyID, &j.FromPageID, &j.ConditionDSL, &j.ToPageID, &j.Priority); err != nil {
			rows.Close()
			return nil, err
		}
		pjumps[surveyID] = append(pjumps[surveyID], j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resolvers := make(map[string]*logic.Resolver)
	for surveyID := range questions {
		resolvers[surveyID] = logic.NewResolver(questions[surveyID], qjumps[surveyID], pjumps[surveyID])
	}
	for surveyID := range qjumps {
		if _, ok := resolvers[surveyID]; !ok {
			resolvers[surveyID] = logic.NewResolver(nil, qjumps[surveyID], pjumps[surveyID])
		}
	}
	for surveyID := range pjumps {
		if _, ok := resolvers[surveyID]; !ok {
			resolvers[surveyID] = logic.NewResolver(nil, nil, pjumps[surveyID])
		}
	}
	return resolvers, nil
}
