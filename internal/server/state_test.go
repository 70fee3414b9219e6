package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/internal/store"
)

func conversationRows(id, userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "character_id", "title", "created_at"}).
		AddRow(id, userID, "char-1", "First chat", time.Now())
}

func expectOwnedConversation(mock sqlmock.Sqlmock, id, userID string) {
	mock.ExpectQuery(`SELECT id::text, user_id::text, character_id::text, title, created_at\s+FROM conversations WHERE id = \$1 AND user_id = \$2`).
		WithArgs(id, userID).
		WillReturnRows(conversationRows(id, userID))
}

func TestUpdateStageDirectEdit(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}

	expectOwnedConversation(mock, "conv-1", "user-1")
	doc := `{"run_state":{"relationship_stage":"S2"}}`
	mock.ExpectQuery(`SELECT data, version FROM conversation_state WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"data", "version"}).AddRow([]byte(doc), int64(3)))
	mock.ExpectExec(`UPDATE conversation_state SET data = \$1, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/stage", strings.NewReader(`{"stage":"S6"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	if err := handler.updateStage(ctx); err != nil {
		t.Fatalf("updateStage: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp struct {
		Version int64  `json:"version"`
		Stage   string `json:"stage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Stage != "S6" {
		t.Fatalf("stage = %q, want S6", resp.Stage)
	}
	if resp.Version != 4 {
		t.Fatalf("version = %d, want 4", resp.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStageRejectsUnknownStage(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}
	expectOwnedConversation(mock, "conv-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/stage", strings.NewReader(`{"stage":"S9"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	err = handler.updateStage(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %v", err)
	}
}

func TestUpdateScheduleStoryLock(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}

	expectOwnedConversation(mock, "conv-1", "user-1")
	mock.ExpectQuery(`SELECT data, version FROM conversation_state WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"data", "version"}).AddRow([]byte(`{}`), int64(1)))
	mock.ExpectExec(`UPDATE conversation_state SET data = \$1, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"lock_mode":"story_lock","story_lock_until":"2026-09-02T10:00:00Z","story_lock_reason":"festival arc","schedule_state":"PAUSE"}`
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/schedule", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	if err := handler.updateSchedule(ctx); err != nil {
		t.Fatalf("updateSchedule: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdatePolicyWindowBounds(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}
	expectOwnedConversation(mock, "conv-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/policy", strings.NewReader(`{"ending_repeat_window":99}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	err = handler.updatePolicy(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %v", err)
	}
}

func TestUpdatePolicyApplies(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}
	expectOwnedConversation(mock, "conv-1", "user-1")
	mock.ExpectQuery(`SELECT data, version FROM conversation_state WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"data", "version"}).AddRow([]byte(`{}`), int64(2)))
	mock.ExpectExec(`UPDATE conversation_state SET data = \$1, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"plot_granularity":"SCENE","ending_mode":"CLIFF","ending_repeat_window":8}`
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/policy", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	if err := handler.updatePolicy(ctx); err != nil {
		t.Fatalf("updatePolicy: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateScheduleRejectsBadLockMode(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &StateHandler{Store: &store.Store{DB: db}}
	expectOwnedConversation(mock, "conv-1", "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/state/schedule", strings.NewReader(`{"lock_mode":"frozen"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("conv-1")

	err = handler.updateSchedule(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %v", err)
	}
}
