package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailpulse/internal/ratelimit"
	"github.com/ignite/mailpulse/internal/store"
	"github.com/ignite/mailpulse/internal/tracking"
)

func setupServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	codec := tracking.NewCodec("test-signing-key")
	pipeline := tracking.NewPipeline(st, codec, nil, ratelimit.Limits{})
	return NewServer(st, pipeline, codec), mock
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func campaignRows(id, apiKeyID uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "api_key_id", "list_id", "name", "subject", "from_name", "from_email",
		"reply_to", "html_content", "text_content", "status", "scheduled_at", "timezone",
		"recurring", "total_recipients", "sent_count", "open_count", "click_count",
		"bounce_count", "unsubscribe_count", "started_at", "completed_at",
		"created_at", "updated_at",
	}).AddRow(id, apiKeyID, nil, "Launch", "Hello", "", "news@example.com",
		"", "<p>hi</p>", "", status, nil, "UTC",
		false, 0, 0, 0, 0, 0, 0, nil, nil, now, now)
}

func TestHandleCreateCampaign_RequiresFields(t *testing.T) {
	s, _ := setupServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/campaigns",
		`{"api_key_id":"`+uuid.NewString()+`","name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "required")
}

func TestHandleGetCampaign_InvalidID(t *testing.T) {
	s, _ := setupServer(t)

	w := doRequest(s, http.MethodGet, "/api/v1/campaigns/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetCampaign_NotFound(t *testing.T) {
	s, mock := setupServer(t)

	mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := doRequest(s, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePauseCampaign_ConflictOnTerminalState(t *testing.T) {
	s, mock := setupServer(t)
	id := uuid.New()

	mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRows(id, uuid.New(), "completed"))
	mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := doRequest(s, http.MethodPost, "/api/v1/campaigns/"+id.String()+"/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePauseCampaign_MovesSendingToPaused(t *testing.T) {
	s, mock := setupServer(t)
	id := uuid.New()

	mock.ExpectQuery("FROM campaigns WHERE id").
		WillReturnRows(campaignRows(id, uuid.New(), "sending"))
	mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doRequest(s, http.MethodPost, "/api/v1/campaigns/"+id.String()+"/pause", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCreateAPIKey_RequiresName(t *testing.T) {
	s, _ := setupServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/apikeys", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProviderEvent_RejectsNonProviderKinds(t *testing.T) {
	s, _ := setupServer(t)

	// Opens arrive via the tracking pixel, never via provider callback.
	w := doRequest(s, http.MethodPost, "/api/v1/events/provider",
		`{"tracker_id":"`+uuid.NewString()+`","kind":"open"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRetryDeadWebhookJob_NotFound(t *testing.T) {
	s, mock := setupServer(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE webhook_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := doRequest(s, http.MethodPost, "/api/v1/webhooks/dead/"+id.String()+"/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
