package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/providers/mpesa"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInitiate(c *gin.Context) {
	var req core.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewValidationError("body", "request body must be a JSON object with phone, amount, branch and product"))
		return
	}
	result, err := s.service.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// handleCallback always answers 200 with the success acknowledgment. The
// provider retries anything else, and a retry cannot fix a bad payload.
func (s *Server) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	ack := core.SuccessAck()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxCallbackBytes+1))
	if err != nil {
		s.logger.WithContext(ctx).Error("callback body read failed", "error", err.Error())
		c.JSON(http.StatusOK, ack)
		return
	}
	if int64(len(raw)) > s.maxCallbackBytes {
		s.logger.WithContext(ctx).Error("callback body too large", "limit", s.maxCallbackBytes)
		c.JSON(http.StatusOK, ack)
		return
	}
	raw = bytes.TrimSpace(raw)

	if s.callbacks == nil {
		c.JSON(http.StatusOK, s.service.ReconcileCallback(ctx, raw))
		return
	}

	result, err := s.processCallback(ctx, inboundCallback(c, raw))
	if err != nil {
		s.logger.WithContext(ctx).Warn("callback not processed",
			"error", err.Error(),
			"status_code", result.StatusCode,
			"rejected", result.Metadata["rejected"] == true,
		)
	}
	c.JSON(http.StatusOK, ack)
}

// processCallback turns a panic anywhere in the processor chain into an
// error so the provider still receives the acknowledgment.
func (s *Server) processCallback(ctx context.Context, req core.InboundRequest) (result core.InboundResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("web: callback processor panicked: %v", recovered)
		}
	}()
	return s.callbacks.Process(ctx, req)
}

func inboundCallback(c *gin.Context, raw []byte) core.InboundRequest {
	headers := make(map[string]string, len(c.Request.Header))
	for key, values := range c.Request.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	metadata := map[string]any{"remote_addr": c.ClientIP()}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			metadata[key] = values[0]
		}
	}
	return core.InboundRequest{
		ProviderID: mpesa.ProviderID,
		Surface:    mpesa.CallbackSurface,
		Headers:    headers,
		Body:       raw,
		Metadata:   metadata,
	}
}

func (s *Server) handleQueryStatus(c *gin.Context) {
	var req core.QueryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewValidationError("body", "request body must be a JSON object with checkout_request_id"))
		return
	}
	result, err := s.service.QueryStatus(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// handleTestConnection answers 200 when a token was obtained and 503
// otherwise; the report body is the same either way.
func (s *Server) handleTestConnection(c *gin.Context) {
	report := s.service.TestConnection(c.Request.Context())
	status := http.StatusOK
	if !report.Configured || !report.TokenOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"data": report})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	txn, err := s.service.GetTransaction(c.Request.Context(), c.Param("checkoutRequestId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func (s *Server) handleListTransactions(c *gin.Context) {
	filter, err := parseTransactionFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := s.service.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": page.Items,
		"meta": gin.H{
			"total":    page.Total,
			"page":     page.Page,
			"per_page": page.PerPage,
		},
	})
}

func parseTransactionFilter(c *gin.Context) (core.TransactionFilter, error) {
	filter := core.TransactionFilter{
		Branch: c.Query("branch"),
		Phone:  c.Query("phone"),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := core.TransactionStatus(strings.ToLower(raw))
		if !status.Valid() {
			return filter, core.NewValidationError("status", "status must be pending, completed or failed")
		}
		filter.Status = status
	}
	var err error
	if filter.Page, err = queryInt(c, "page"); err != nil {
		return filter, err
	}
	if filter.PerPage, err = queryInt(c, "per_page"); err != nil {
		return filter, err
	}
	if filter.Since, err = queryTime(c, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(c, "until"); err != nil {
		return filter, err
	}
	return filter, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, core.NewValidationError(key, key+" must be a non-negative integer")
	}
	return value, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			parsed = parsed.UTC()
			return &parsed, nil
		}
	}
	return nil, core.NewValidationError(key, key+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
}
