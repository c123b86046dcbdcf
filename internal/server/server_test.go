package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/queue"
	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	mid "github.com/OFFIS-RIT/kinfetch/internal/server/middleware"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSecret = []byte("test-secret")

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*runs.Run
}

func (m *memRuns) Create(_ context.Context, id string, kind runs.Kind, ownerID int64, params any) (*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(params)
	run := &runs.Run{ID: id, Kind: kind, Status: runs.StatusPending, OwnerID: ownerID, Params: raw}
	m.runs[id] = run
	return run, nil
}

func (m *memRuns) Get(_ context.Context, id string) (*runs.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, runs.ErrNotFound
	}
	return run, nil
}

func (m *memRuns) Fail(_ context.Context, id string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = runs.StatusFailed
	return nil
}

func (m *memRuns) TypicalDuration(context.Context, runs.Kind) (time.Duration, error) {
	return 90 * time.Second, nil
}

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) error {
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) DownloadLink(_ context.Context, key, filename string) (string, error) {
	return "https://s3.example.org/" + key + "?name=" + filename, nil
}

type published struct {
	queue string
	msg   any
}

type memJobs struct {
	sent []published
}

func (m *memJobs) Publish(_ context.Context, queueName string, msg any) error {
	m.sent = append(m.sent, published{queue: queueName, msg: msg})
	return nil
}

type testServer struct {
	e       *echo.Echo
	runs    *memRuns
	objects *memObjects
	jobs    *memJobs
}

func newTestServer() *testServer {
	s := &testServer{
		runs:    &memRuns{runs: map[string]*runs.Run{}},
		objects: &memObjects{objects: map[string][]byte{}},
		jobs:    &memJobs{},
	}
	app := &mid.App{
		Runs:    s.runs,
		Objects: s.objects,
		Jobs:    s.jobs,
		Key: func(*jwt.Token) (any, error) {
			return testSecret, nil
		},
		MasterAPIKey:   "master",
		MasterUserID:   1,
		MasterUserRole: "admin",
	}
	s.e = New(app, "1M")
	return s
}

func token(t *testing.T, id string, permissions ...string) string {
	t.Helper()
	perms := make([]any, len(permissions))
	for i, p := range permissions {
		perms[i] = p
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":          id,
		"permissions": perms,
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func (s *testServer) do(method, target, bearer, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer()
	if rec := s.do(http.MethodGet, "/health", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer()
	tests := []struct {
		name   string
		bearer string
		want   int
	}{
		{name: "missing token", want: http.StatusUnauthorized},
		{name: "bad token", bearer: "nope", want: http.StatusUnauthorized},
		{name: "missing permission", bearer: token(t, "7"), want: http.StatusForbidden},
		{name: "master key", bearer: "master", want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/acquisitions", tt.bearer, echo.MIMEApplicationJSON, []byte(`{}`))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCreateAcquisition(t *testing.T) {
	s := newTestServer()
	bearer := token(t, "7", mid.PermissionRunCreate)

	rec := s.do(http.MethodPost, "/api/acquisitions", bearer, echo.MIMEApplicationJSON, []byte(`{"seeds":["bad id"]}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid seed status = %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/api/acquisitions", bearer, echo.MIMEApplicationJSON, []byte(`{"seeds":["KWCB-ABC"],"descend":1,"spouses":true}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(s.jobs.sent) != 1 || s.jobs.sent[0].queue != queue.AcquireQueue {
		t.Fatalf("published = %+v", s.jobs.sent)
	}
	msg := s.jobs.sent[0].msg.(queue.AcquireMsg)
	if msg.Ascend != 4 || msg.Descend != 1 || !msg.Spouses || msg.Seeds[0] != "KWCB-ABC" {
		t.Fatalf("message = %+v", msg)
	}
	run := s.runs.runs[msg.RunID]
	if run == nil || run.OwnerID != 7 || run.Kind != runs.KindAcquire {
		t.Fatalf("run = %+v", run)
	}
}

func TestGetRun_Visibility(t *testing.T) {
	s := newTestServer()
	s.runs.runs["r1"] = &runs.Run{ID: "r1", Kind: runs.KindAcquire, Status: runs.StatusRunning, OwnerID: 7}

	if rec := s.do(http.MethodGet, "/api/runs/r1", token(t, "8"), "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other user status = %d", rec.Code)
	}
	rec := s.do(http.MethodGet, "/api/runs/r1", token(t, "7"), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["id"] != "r1" || got["typical_duration_ms"] != float64(90000) || got["exported"] != false {
		t.Fatalf("body = %v", got)
	}
	if rec := s.do(http.MethodGet, "/api/runs/r1", "master", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("master status = %d", rec.Code)
	}
}

func TestGetRunExport(t *testing.T) {
	s := newTestServer()
	key := storage.ExportKey("r1")
	s.objects.objects[key] = []byte("0 HEAD\n0 TRLR\n")
	s.runs.runs["r1"] = &runs.Run{ID: "r1", Status: runs.StatusCompleted, OwnerID: 7, ExportKey: &key}
	s.runs.runs["r2"] = &runs.Run{ID: "r2", Status: runs.StatusRunning, OwnerID: 7}
	bearer := token(t, "7")

	rec := s.do(http.MethodGet, "/api/runs/r1/export", bearer, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "0 HEAD\n0 TRLR\n" {
		t.Fatalf("export = %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "r1.ged") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	rec = s.do(http.MethodGet, "/api/runs/r1/export?link=true", bearer, "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "exports/r1.ged") {
		t.Fatalf("link = %d %s", rec.Code, rec.Body.String())
	}

	if rec := s.do(http.MethodGet, "/api/runs/r2/export", bearer, "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("unfinished export status = %d", rec.Code)
	}
}

func TestCreateMerge(t *testing.T) {
	s := newTestServer()
	key := storage.ExportKey("r1")
	s.runs.runs["r1"] = &runs.Run{ID: "r1", Status: runs.StatusCompleted, OwnerID: 7, ExportKey: &key}
	bearer := token(t, "7", mid.PermissionRunCreate)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("runs", "r1")
	_ = w.WriteField("policy", "earlier")
	fw, _ := w.CreateFormFile("files", "upload.ged")
	_, _ = fw.Write([]byte("0 HEAD\n0 TRLR\n"))
	_ = w.Close()

	rec := s.do(http.MethodPost, "/api/merges", bearer, w.FormDataContentType(), body.Bytes())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	msg := s.jobs.sent[0].msg.(queue.MergeMsg)
	if msg.Policy != queue.PolicyEarlier || len(msg.Inputs) != 2 || msg.Inputs[0] != key {
		t.Fatalf("message = %+v", msg)
	}
	upload := storage.UploadPrefix(msg.RunID) + "000.ged"
	if msg.Inputs[1] != upload || string(s.objects.objects[upload]) != "0 HEAD\n0 TRLR\n" {
		t.Fatalf("upload not stored at %s: %v", upload, msg.Inputs)
	}

	var empty bytes.Buffer
	ew := multipart.NewWriter(&empty)
	_ = ew.WriteField("policy", "later")
	_ = ew.Close()
	if rec := s.do(http.MethodPost, "/api/merges", bearer, ew.FormDataContentType(), empty.Bytes()); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty merge status = %d", rec.Code)
	}
}
