package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/to404hanga/online_judge_pipeline/model"
	"github.com/to404hanga/online_judge_pipeline/queue"
	"github.com/to404hanga/online_judge_pipeline/submit"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const DefaultMaxCodeBytes = 64 * 1024

type SubmitRequest struct {
	UserID    uint64         `json:"userId" binding:"required"`
	ProblemID uint64         `json:"problemId" binding:"required"`
	ContestID *uint64        `json:"contestId"`
	Code      string         `json:"code" binding:"required"`
	Language  model.Language `json:"language" binding:"required"`
}

type RunRequest struct {
	ProblemID uint64         `json:"problemId" binding:"required"`
	Code      string         `json:"code" binding:"required"`
	Language  model.Language `json:"language" binding:"required"`
	TestIndex *int           `json:"testIndex"`
}

type SubmissionResponse struct {
	*model.Submission
	JobState queue.State `json:"jobState,omitempty"`
}

type Handler struct {
	log          loggerv2.Logger
	svc          *submit.Service
	maxCodeBytes int
}

func NewHandler(log loggerv2.Logger, svc *submit.Service, maxCodeBytes int) *Handler {
	if maxCodeBytes <= 0 {
		maxCodeBytes = DefaultMaxCodeBytes
	}
	return &Handler{log: log, svc: svc, maxCodeBytes: maxCodeBytes}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	v1 := r.Group("/api/v1")
	v1.POST("/submissions", h.Submit)
	v1.GET("/submissions/:id", h.GetSubmission)
	v1.POST("/run", h.Run)
}

func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if len(req.Code) > h.maxCodeBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code too long"})
		return
	}

	sub, err := h.svc.Submit(c.Request.Context(), submit.SubmitRequest{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		ContestID: req.ContestID,
		Code:      req.Code,
		Language:  req.Language,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmissionResponse{Submission: sub, JobState: queue.StateWaiting})
}

func (h *Handler) GetSubmission(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}
	ctx := c.Request.Context()
	sub, err := h.svc.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := SubmissionResponse{Submission: sub}
	if !sub.Verdict.Terminal() {
		// 任务状态只是附加信息, 查询失败时仍返回提交记录
		if resp.JobState, err = h.svc.JobState(ctx, sub); err != nil {
			h.log.WarnContext(ctx, "get job state failed", logger.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if len(req.Code) > h.maxCodeBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code too long"})
		return
	}

	res, err := h.svc.Run(c.Request.Context(), submit.RunRequest{
		ProblemID: req.ProblemID,
		Code:      req.Code,
		Language:  req.Language,
		TestIndex: req.TestIndex,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Health(c *gin.Context) {
	available, err := h.svc.Available(c.Request.Context())
	if err != nil {
		h.log.ErrorContext(c.Request.Context(), "health check failed", logger.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "judgeAvailable": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "judgeAvailable": available})
}

// fail maps service errors to HTTP responses; unknown errors never leak their text.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, submit.ErrUnsupportedLanguage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, submit.ErrTestIndexOutOfRange):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, submit.ErrProblemNotFound):
		status, msg = http.StatusNotFound, "problem not found"
	case errors.Is(err, submit.ErrSubmissionNotFound):
		status, msg = http.StatusNotFound, "submission not found"
	case errors.Is(err, submit.ErrJudgeUnavailable):
		status, msg = http.StatusServiceUnavailable, "judge unavailable, please try again later"
	case errors.Is(err, submit.ErrRunTimeout):
		status, msg = http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, submit.ErrRunFailed):
		status, msg = http.StatusBadGateway, "code execution failed"
	}
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(c.Request.Context(), "request failed", logger.Error(err), logger.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": msg})
}
