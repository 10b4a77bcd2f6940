package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/session"
)

func TestCreateConsumingTokenWinsRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update invite_tokens set status='used'").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewWithDB(db)
	sess := &session.Session{ID: "sess-1", CollectorID: "col-1", SurveyID: "survey-1"}
	if err := store.CreateConsumingToken(context.Background(), sess, "tok-1"); err != nil {
		t.Fatalf("CreateConsumingToken: %v", err)
	}
	if sess.TokenID != "tok-1" || sess.Status != session.StatusInProgress {
		t.Fatalf("session not stamped: %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateConsumingTokenLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	// Another session already flipped the token; no row matches.
	mock.ExpectExec("update invite_tokens set status='used'").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	store := NewWithDB(db)
	sess := &session.Session{ID: "sess-2", CollectorID: "col-1", SurveyID: "survey-1"}
	err = store.CreateConsumingToken(context.Background(), sess, "tok-1")
	if !errors.Is(err, session.ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "collector_id", "survey_id", "token_id", "fingerprint", "status",
		"ip", "user_agent", "referrer", "utm", "risk_score", "answers", "visited",
		"created_at", "updated_at", "completed_at", "terminated_at",
	})
}

func TestSaveAnswersMergesDelta(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update sessions set answers = answers").
		WithArgs("sess-1", []byte(`{"Q2":"Blue"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from sessions").
		WithArgs("sess-1").
		WillReturnRows(sessionRows().
			AddRow("sess-1", "col-1", "survey-1", "", "fp", "IN_PROGRESS",
				"203.0.113.7", "Mozilla/5.0", "", []byte(`{}`), 0, []byte(`{"Q1":"Yes","Q2":"Blue"}`),
				[]byte(`[]`), sampleTime, sampleTime, nil, nil))

	store := NewWithDB(db)
	sess, err := store.SaveAnswers(context.Background(), "sess-1", expr.Answers{"Q2": "Blue"})
	if err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}
	if sess.Answers["Q1"] != "Yes" || sess.Answers["Q2"] != "Blue" {
		t.Fatalf("merged answers: %+v", sess.Answers)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveAnswersRejectsTerminalSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update sessions set answers = answers").
		WithArgs("sess-1", []byte(`{"Q2":"Blue"}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from sessions").
		WithArgs("sess-1").
		WillReturnRows(sessionRows().
			AddRow("sess-1", "col-1", "survey-1", "", "fp", "COMPLETED",
				"203.0.113.7", "Mozilla/5.0", "", []byte(`{}`), 0, []byte(`{}`),
				[]byte(`[]`), sampleTime, sampleTime, sampleTime, nil))

	store := NewWithDB(db)
	_, err = store.SaveAnswers(context.Background(), "sess-1", expr.Answers{"Q2": "Blue"})
	if !errors.Is(err, session.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkVisitedAppendsDestination(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update sessions set visited = visited").
		WithArgs("sess-1", []byte(`["q4"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from sessions").
		WithArgs("sess-1").
		WillReturnRows(sessionRows().
			AddRow("sess-1", "col-1", "survey-1", "", "fp", "IN_PROGRESS",
				"203.0.113.7", "Mozilla/5.0", "", []byte(`{}`), 0, []byte(`{}`),
				[]byte(`["q4"]`), sampleTime, sampleTime, nil, nil))

	store := NewWithDB(db)
	sess, err := store.MarkVisited(context.Background(), "sess-1", "q4")
	if err != nil {
		t.Fatalf("MarkVisited: %v", err)
	}
	if len(sess.Visited) != 1 || sess.Visited[0] != "q4" {
		t.Fatalf("visited: %+v", sess.Visited)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionRepeatIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update sessions set status").
		WithArgs("sess-1", "COMPLETED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from sessions").
		WithArgs("sess-1").
		WillReturnRows(sessionRows().
			AddRow("sess-1", "col-1", "survey-1", "", "fp", "COMPLETED",
				"203.0.113.7", "Mozilla/5.0", "", []byte(`{}`), 0, []byte(`{}`),
				[]byte(`[]`), sampleTime, sampleTime, sampleTime, nil))

	store := NewWithDB(db)
	sess, err := store.Transition(context.Background(), "sess-1", session.StatusCompleted)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if sess.Status != session.StatusCompleted {
		t.Fatalf("unexpected status: %s", sess.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
