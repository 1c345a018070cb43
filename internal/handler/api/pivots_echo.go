package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/internal/usecase"
	xhttp "github.com/luckshury/whop-web-app/pkg/http"
	"github.com/luckshury/whop-web-app/pkg/logger"
	"github.com/luckshury/whop-web-app/pkg/util"
)

// HealthChecker reports one dependency's liveness for /healthz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// PivotsHandler serves the pivot analysis API.
type PivotsHandler struct {
	logger    *logger.Logger
	analysis  *usecase.AnalysisUseCase
	candles   *usecase.CandlesUseCase
	refresher *usecase.Refresher
	checks    map[string]HealthChecker
}

func NewPivotsHandler(lgr *logger.Logger, analysis *usecase.AnalysisUseCase, candles *usecase.CandlesUseCase, refresher *usecase.Refresher, checks map[string]HealthChecker) *PivotsHandler {
	return &PivotsHandler{
		logger:    lgr,
		analysis:  analysis,
		candles:   candles,
		refresher: refresher,
		checks:    checks,
	}
}

func (h *PivotsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)

	g := e.Group("/api")
	g.GET("/pivots", h.Pivots)
	g.GET("/pivots/snapshot", h.Snapshot)
	g.GET("/candles", h.Candles)
	g.GET("/pairs", h.Pairs)
	g.POST("/pairs/refresh", h.Refresh)
}

// Pivots returns the full pivot table and aggregate stats for one
// (ticker, timeframe, days, weekdays) combination. The serving tier lands
// in the X-Cache-Source header: memory, redis, or computed.
func (h *PivotsHandler) Pivots(c echo.Context) error {
	req := &models.PivotAnalysisRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	weekdays, err := parseWeekdays(req.Weekdays)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}

	res, source, err := h.analysis.GetAnalysis(c.Request().Context(), usecase.AnalysisParams{
		Ticker:    req.Ticker,
		Timeframe: drepo.NormalizeTimeframe(req.Timeframe),
		Days:      req.Days,
		Weekdays:  weekdays,
	})
	if err != nil {
		return h.analysisError(c, err)
	}

	c.Response().Header().Set("X-Cache-Source", source)
	return xhttp.SuccessResponse(c, res)
}

// Snapshot returns the provisional pivots of the in-progress bucket plus
// the flip-risk assessment.
func (h *PivotsHandler) Snapshot(c echo.Context) error {
	req := &models.SnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	snap, err := h.analysis.GetSnapshot(c.Request().Context(), req.Ticker, drepo.NormalizeTimeframe(req.Timeframe))
	if err != nil {
		return h.analysisError(c, err)
	}
	return xhttp.SuccessResponse(c, snap)
}

// Candles returns the resolved 15m candles for a range. Partial upstream
// coverage degrades the result instead of failing it.
func (h *PivotsHandler) Candles(c echo.Context) error {
	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, ok := util.ParseTime(req.From)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid from: %q", req.From))
	}
	to, ok := util.ParseTime(req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid to: %q", req.To))
	}

	res, err := h.candles.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Ticker: req.Ticker,
		From:   from,
		To:     to,
		Limit:  req.Limit,
	})
	if err != nil {
		return h.analysisError(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

// Pairs lists the refresher-managed pairs in priority order.
func (h *PivotsHandler) Pairs(c echo.Context) error {
	pairs := h.refresher.Pairs()
	return xhttp.ListResponse(c, pairs, int64(len(pairs)))
}

// Refresh enqueues a refresh or backfill job and returns 202. The job runs
// on the queue workers; progress lands in the audit log.
func (h *PivotsHandler) Refresh(c echo.Context) error {
	req := &models.RefreshRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	ctx := c.Request().Context()
	var err error
	if req.Mode == "backfill" {
		err = h.refresher.EnqueueBackfill(ctx, req.Ticker, req.Days, false)
	} else {
		err = h.refresher.EnqueueRefresh(ctx, req.Ticker)
	}
	if err != nil {
		h.logger.Error("enqueue failed",
			logger.String("ticker", req.Ticker),
			logger.String("mode", req.Mode),
			logger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("ERR_QUEUE", "could not enqueue %s for %s", req.Mode, req.Ticker).WithError(err))
	}

	return xhttp.AcceptedResponse(c, map[string]string{
		"ticker": strings.ToUpper(req.Ticker),
		"mode":   req.Mode,
		"status": "enqueued",
	})
}

// Healthz pings every registered dependency. Any failure turns the
// aggregate status to 503 so orchestrators stop routing here.
func (h *PivotsHandler) Healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "components": components}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	return c.JSON(status, body)
}

// analysisError maps domain failures onto the API error envelope.
func (h *PivotsHandler) analysisError(c echo.Context, err error) error {
	var insufficient *models.InsufficientDataError
	if errors.As(err, &insufficient) {
		return xhttp.AppErrorResponse(c, xhttp.UnprocessableErrorf("ERR_INSUFFICIENT_DATA", "%s", insufficient.Error()))
	}
	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("ERR_UPSTREAM", "%s", fetchErr.Error()).WithError(err))
	}
	h.logger.Error("request failed",
		logger.String("path", c.Path()),
		logger.Error(err))
	return xhttp.AppErrorResponse(c, err)
}

// parseWeekdays converts the CSV filter to indices, 0=Monday..6=Sunday.
func parseWeekdays(s string) ([]int, error) {
	weekdays, err := models.ParseWeekdays(s)
	if err != nil {
		return nil, xhttp.BadRequestErrorf("invalid weekdays: %v", err)
	}
	return weekdays, nil
}
