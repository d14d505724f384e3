package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"goa.design/analyst/runtime/analyst/analysterr"
)

type (
	messageRequest struct {
		Message string `json:"message"`
	}

	clarifyRequest struct {
		Clarification string `json:"clarification"`
	}

	// ErrorResponse is the body of every non-2xx reply.
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, analysterr.Wrap(analysterr.InvalidRequest, "The request body must be a JSON object with a message.", err))
		return
	}
	reply, err := s.svc.Message(c.Request.Context(), c.GetHeader(ThreadHeader), req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleClarify(c *gin.Context) {
	var req clarifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, analysterr.Wrap(analysterr.InvalidRequest, "The request body must be a JSON object with a clarification.", err))
		return
	}
	reply, err := s.svc.Clarify(c.Request.Context(), c.GetHeader(ThreadHeader), req.Clarification)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleExecution(c *gin.Context) {
	after := 0
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(c, analysterr.New(analysterr.InvalidRequest, "after_seq must be a non-negative integer."))
			return
		}
		after = n
	}
	snap, err := s.svc.Execution(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleObject(c *gin.Context) {
	obj, err := s.svc.Object(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(http.StatusOK, ct, obj.Data)
}

// fail writes the classified error. Causes are logged, never returned.
func (s *Server) fail(c *gin.Context, err error) {
	e := analysterr.As(err)
	status := StatusCode(e.Kind)
	if e.Kind == analysterr.QuotaExceeded {
		s.metrics.rejected.Inc()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "kind", string(e.Kind), "err", err)
	} else {
		s.logger.Debug(c.Request.Context(), "request rejected", "path", c.FullPath(), "kind", string(e.Kind), "err", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: string(e.Kind), Message: analysterr.UserMessage(e)})
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(kind analysterr.Kind) int {
	switch kind {
	case analysterr.QuotaExceeded:
		return http.StatusTooManyRequests
	case analysterr.UnknownSession, analysterr.UnknownObject:
		return http.StatusNotFound
	case analysterr.NotWaiting, analysterr.InvalidRequest, analysterr.PlanInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
