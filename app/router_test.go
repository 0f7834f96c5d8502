package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitwise74/media-ingest/db"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/assemble"
	"bitwise74/media-ingest/internal/blob"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/ingest"
	"bitwise74/media-ingest/internal/storage"
	"bitwise74/media-ingest/internal/task"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	t      *testing.T
	router *gin.Engine
}

func newServer(t *testing.T, autoFinalize bool) *server {
	t.Helper()

	conn, err := db.NewMemory(t.Name())
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	local, err := storage.NewLocal(fs, "/blobs")
	require.NoError(t, err)

	tasks := task.NewMemory(time.Minute)
	t.Cleanup(func() { tasks.Close() })

	d := &internal.Deps{DB: conn, Tasks: tasks, AutoFinalize: autoFinalize}
	d.Chunks = chunk.NewStore(conn, fs, chunk.Options{Dir: "/chunks"})
	d.Blobs = blob.NewStore(conn, fs, local)
	d.Ingest = ingest.New(ingest.Options{
		DB:        conn,
		Fs:        fs,
		Chunks:    d.Chunks,
		Assembler: assemble.New(conn, fs, d.Chunks),
		Blobs:     d.Blobs,
		Tasks:     tasks,
		Config: ingest.Config{
			AllowedTypes:      []string{"image/*"},
			SingleShotMaxSize: 1 << 20,
			WorkDir:           "/work",
		},
	})

	return &server{t: t, router: New(d, RouterOptions{
		CORS:          []string{"http://localhost:5173"},
		JWTSecret:     secret,
		MaxSingleShot: 1 << 20,
	})}
}

func token(t *testing.T, userID string) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	return s
}

func (s *server) do(method, path, user string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	s.t.Helper()

	if body == nil {
		body = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(s.t, user))
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) json(method, path, user string, payload any) *httptest.ResponseRecorder {
	s.t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(s.t, err)

	return s.do(method, path, user, bytes.NewBuffer(data), "application/json")
}

// chunk posts one chunk, extra holds additional form fields as key, value pairs
func (s *server) chunk(user, uploadID string, index, total int, data []byte, extra ...string) *httptest.ResponseRecorder {
	s.t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(s.t, mw.WriteField("uploadId", uploadID))
	require.NoError(s.t, mw.WriteField("chunkIndex", fmt.Sprint(index)))
	require.NoError(s.t, mw.WriteField("totalChunks", fmt.Sprint(total)))
	require.NoError(s.t, mw.WriteField("fileName", "clip.png"))
	for i := 0; i+1 < len(extra); i += 2 {
		require.NoError(s.t, mw.WriteField(extra[i], extra[i+1]))
	}

	fw, err := mw.CreateFormFile("file", "blob")
	require.NoError(s.t, err)
	_, err = fw.Write(data)
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	return s.do(http.MethodPost, "/api/uploads/chunk", user, body, mw.FormDataContentType())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func pngData(size int) []byte {
	data := make([]byte, size)
	copy(data, "\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	for i := 16; i < size; i++ {
		data[i] = byte(i * 7)
	}

	return data
}

func TestHeartbeatAndAuth(t *testing.T) {
	s := newServer(t, false)

	w := s.do(http.MethodHead, "/api/heartbeat", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(http.MethodGet, "/api/media", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChunkedUploadFlow(t *testing.T) {
	s := newServer(t, false)
	data := pngData(3000)
	parts := [][]byte{data[:1000], data[1000:2000], data[2000:]}

	w := s.json(http.MethodPost, "/api/uploads/init", "alice", gin.H{"fileName": "clip.png", "totalChunks": 3, "size": len(data)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode(t, w)
	uploadID := started["uploadId"].(string)
	taskID := started["taskId"].(string)
	require.NotEmpty(t, uploadID)
	require.NotEmpty(t, taskID)

	for _, i := range []int{2, 0} {
		w = s.chunk("alice", uploadID, i, 3, parts[i])
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = s.json(http.MethodPost, "/api/uploads/finalize", "alice", gin.H{"uploadId": uploadID, "totalChunks": 3})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, []any{float64(1)}, decode(t, w)["missing"])

	w = s.do(http.MethodGet, "/api/uploads/"+uploadID, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{float64(1)}, decode(t, w)["missing"])

	w = s.do(http.MethodGet, "/api/uploads/"+uploadID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.chunk("alice", uploadID, 1, 3, parts[1])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["allChunksUploaded"])

	w = s.json(http.MethodPost, "/api/uploads/finalize", "alice", gin.H{
		"uploadId":    uploadID,
		"totalChunks": 3,
		"taskId":      taskID,
		"metadata":    gin.H{"title": "Clip"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, false, res["isDuplicate"])
	media := res["media"].(map[string]any)
	assert.Equal(t, "Clip", media["title"])
	mediaID := int(media["id"].(float64))

	w = s.do(http.MethodGet, "/api/tasks/"+taskID, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	tk := decode(t, w)
	assert.Equal(t, "completed", tk["status"])
	assert.Equal(t, float64(100), tk["progress"])

	w = s.do(http.MethodGet, "/api/tasks/"+taskID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/tasks/"+taskID+"/progress", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(w.Body.String(), "event: completed"), w.Body.String())

	w = s.do(http.MethodPost, "/api/tasks/"+taskID+"/retry", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	path := fmt.Sprintf("/api/media/%d", mediaID)

	w = s.do(http.MethodGet, path, "alice", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, path, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.json(http.MethodPatch, path, "alice", gin.H{"title": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Renamed", decode(t, w)["title"])

	w = s.do(http.MethodGet, "/api/media?sort=az&query=renamed", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = s.do(http.MethodGet, "/api/blobs/stats", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["blobs"])

	w = s.do(http.MethodDelete, path, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decode(t, w)["uploadedFiles"])

	w = s.do(http.MethodGet, path, "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutoFinalizeOnLastChunk(t *testing.T) {
	s := newServer(t, true)
	data := pngData(2000)

	w := s.chunk("alice", "client-chosen-id", 0, 2, data[:1000])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["complete"])

	w = s.chunk("alice", "client-chosen-id", 1, 2, data[1000:])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, true, res["complete"])
	assert.NotNil(t, res["media"])
}

func TestSingleShotUpload(t *testing.T) {
	s := newServer(t, false)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("title", "Photo"))
	require.NoError(t, mw.WriteField("tagIds", "1,2"))
	fw, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(pngData(500))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := s.do(http.MethodPost, "/api/uploads", "alice", body, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Photo", decode(t, w)["media"].(map[string]any)["title"])

	w = s.do(http.MethodGet, "/api/stats", "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["uploadedFiles"])
}

func TestTaskEndpoints(t *testing.T) {
	s := newServer(t, false)

	w := s.json(http.MethodPost, "/api/tasks", "alice", gin.H{"fileName": "a.mp4", "size": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decode(t, w)["taskId"].(string)

	w = s.do(http.MethodPost, "/api/tasks/"+taskID+"/retry", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.json(http.MethodPost, "/api/tasks", "alice", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/tasks/missing", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForeignTaskIDRejected(t *testing.T) {
	s := newServer(t, false)

	w := s.json(http.MethodPost, "/api/tasks", "alice", gin.H{"fileName": "a.png", "size": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decode(t, w)["taskId"].(string)

	w = s.json(http.MethodPost, "/api/uploads/init", "bob", gin.H{"fileName": "b.png", "totalChunks": 1, "taskId": taskID})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = s.chunk("bob", "bob-upload", 0, 1, pngData(500), "taskId", taskID)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = s.json(http.MethodPost, "/api/uploads/finalize", "bob", gin.H{"uploadId": "bob-upload", "totalChunks": 1, "taskId": taskID})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("taskId", taskID))
	fw, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(pngData(500))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w = s.do(http.MethodPost, "/api/uploads", "bob", body, mw.FormDataContentType())
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	// Alice's task was never touched
	w = s.do(http.MethodGet, "/api/tasks/"+taskID, "alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["progress"])

	// The owner can still use it
	w = s.chunk("alice", "alice-upload", 0, 1, pngData(500), "taskId", taskID)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSingleShotTooLarge(t *testing.T) {
	s := newServer(t, false)

	body := bytes.NewBuffer(make([]byte, 3<<20))
	w := s.do(http.MethodPost, "/api/uploads", "alice", body, "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "SIZE_LIMIT_EXCEEDED", decode(t, w)["code"])
}
