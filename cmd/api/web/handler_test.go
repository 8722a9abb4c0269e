package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/repository"
	"github.com/to404hanga/online_judge_pipeline/submit"
	"github.com/to404hanga/pkg404/cachex/lru"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type apiFixture struct {
	db     *gorm.DB
	queue  *queue.Queue
	engine *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))
	require.NoError(t, db.Create(&model.Problem{
		ID:        1,
		Title:     "A+B",
		TestCases: []model.TestCase{{Input: "1 2", ExpectedOutput: "3", IsHidden: true}},
		Examples:  []model.TestCase{{Input: "2 2", ExpectedOutput: "4"}},
	}).Error)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := loggerv2.GetGlobalLogger()
	q := queue.New(rdb, log, queue.Options{})
	require.NoError(t, q.Init(context.Background()))

	cache, err := lru.NewSimpleLRU(16)
	require.NoError(t, err)
	svc := submit.NewService(log, q, repository.NewSubmissionRepository(db), repository.NewProblemRepository(db), cache, 200*time.Millisecond, 0)
	return &apiFixture{
		db:     db,
		queue:  q,
		engine: NewEngine(log, NewHandler(log, svc, 1024)),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) countSubmissions(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.Submission{}).Count(&n).Error)
	return n
}

func submitBody(language string) map[string]any {
	return map[string]any{"userId": 1, "problemId": 1, "code": "print(sum(map(int, input().split())))", "language": language}
}

func TestHandler_SubmitWhenJudgeUnavailable(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/submissions", submitBody("python"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.countSubmissions(t))
}

func TestHandler_Submit(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.queue.Heartbeat(context.Background()))

	w := f.do(t, http.MethodPost, "/api/v1/submissions", submitBody("python"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Pending", resp["verdict"])
	assert.Equal(t, "waiting", resp["jobState"])
	assert.Equal(t, "submission-1", resp["jobId"])

	w = f.do(t, http.MethodGet, "/api/v1/submissions/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, "waiting", resp["jobState"])
}

func TestHandler_SubmitBadRequests(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.queue.Heartbeat(context.Background()))

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "malformed json", body: "{", want: http.StatusBadRequest},
		{name: "missing code", body: map[string]any{"userId": 1, "problemId": 1, "language": "python"}, want: http.StatusBadRequest},
		{name: "unsupported language", body: submitBody("rust"), want: http.StatusBadRequest},
		{name: "code too long", body: map[string]any{"userId": 1, "problemId": 1, "language": "python", "code": strings.Repeat("x", 2048)}, want: http.StatusBadRequest},
		{name: "unknown problem", body: map[string]any{"userId": 1, "problemId": 9, "language": "python", "code": "print(1)"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/submissions", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Zero(t, f.countSubmissions(t))
}

func TestHandler_GetSubmission(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/submissions/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/submissions/42", nil).Code)

	require.NoError(t, f.db.Create(&model.Submission{ID: 5, UserID: 1, ProblemID: 1, Code: "x", Language: model.LanguageC, Verdict: model.VerdictAccepted}).Error)
	w := f.do(t, http.MethodGet, "/api/v1/submissions/5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Accepted", resp["verdict"])
	_, hasState := resp["jobState"]
	assert.False(t, hasState)
}

func TestHandler_Run(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{"problemId": 1, "code": "print(4)", "language": "python"}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/v1/run", body).Code)

	require.NoError(t, f.queue.Heartbeat(context.Background()))
	body["testIndex"] = 3
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/run", body).Code)

	// 没有 worker 消费, 同步等待超时
	delete(body, "testIndex")
	assert.Equal(t, http.StatusGatewayTimeout, f.do(t, http.MethodPost, "/api/v1/run", body).Code)
}

func TestHandler_Health(t *testing.T) {
	f := newAPIFixture(t)

	var resp map[string]any
	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["judgeAvailable"])

	require.NoError(t, f.queue.Heartbeat(context.Background()))
	w = f.do(t, http.MethodGet, "/healthz", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["judgeAvailable"])
}
