package reply

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitwise74/media-ingest/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set("requestID", "req-1")

	Error(c, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestIncompleteListsMissing(t *testing.T) {
	code, body := run(t, apperr.Incomplete([]int{2}))

	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INCOMPLETE_UPLOAD", body["code"])
	assert.Equal(t, []any{2.0}, body["missing"])
	assert.Equal(t, "req-1", body["requestID"])
}

func TestUnclassifiedIsHidden(t *testing.T) {
	code, body := run(t, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "STORAGE_FAILURE", body["code"])
	assert.Equal(t, "Internal server error", body["error"])
}

func TestKindsMapToStatus(t *testing.T) {
	code, body := run(t, apperr.New(apperr.UnsupportedType, "nope"))
	assert.Equal(t, http.StatusUnsupportedMediaType, code)
	assert.Equal(t, "nope", body["error"])

	code, _ = run(t, apperr.New(apperr.NotFound, "gone"))
	assert.Equal(t, http.StatusNotFound, code)
}
