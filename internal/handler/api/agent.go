package api

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	"FinAgent/internal/service/ratelimit"
	"FinAgent/internal/usecase"
	"FinAgent/pkg/cache"
	xhttp "FinAgent/pkg/http"
	xlogger "FinAgent/pkg/logger"
	"FinAgent/pkg/util"
)

// Agent is the part of the trainer the API exposes.
type Agent interface {
	RunID() string
	Ladder() models.Ladder
	Status() usecase.Status
	RequestReset(stage models.Stage) error
}

// AgentHandler serves training status, live signals, resets and bars.
type AgentHandler struct {
	logger    *xlogger.Logger
	agent     Agent
	bars      *usecase.BarsUseCase
	cache     cache.Service
	signalTTL time.Duration
	resets    *ratelimit.Limiter
}

func NewAgentHandler(logger *xlogger.Logger, agent Agent, bars *usecase.BarsUseCase, c cache.Service, signalTTL time.Duration) *AgentHandler {
	return &AgentHandler{
		logger:    logger.With("api"),
		agent:     agent,
		bars:      bars,
		cache:     c,
		signalTTL: signalTTL,
		resets:    ratelimit.New(0.2, 2),
	}
}

func (h *AgentHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/status", h.Status)
	g.GET("/signals", h.Signals)
	g.POST("/reset", h.Reset)
	g.GET("/bars", h.Bars)
}

func (h *AgentHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.agent.Status())
}

func (h *AgentHandler) signalsKey() string { return cache.Key("signals", h.agent.RunID()) }

// Signals serves the last committed live signals, cached for signalTTL.
func (h *AgentHandler) Signals(c echo.Context) error {
	ctx := c.Request().Context()
	key := h.signalsKey()
	if h.cache != nil {
		cached, err := cache.GetJSON[[]models.SignalEvent](ctx, h.cache, key)
		if err == nil {
			c.Response().Header().Set("X-Cache", "hit")
			return xhttp.SuccessResponse(c, *cached)
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("signals cache get", xlogger.Error(err))
		}
	}

	signals := h.agent.Status().Signals
	if signals == nil {
		signals = []models.SignalEvent{}
	}
	if h.cache != nil && len(signals) > 0 {
		if err := cache.SetJSON(ctx, h.cache, key, signals, h.signalTTL); err != nil {
			h.logger.Warn("signals cache set", xlogger.Error(err))
		}
	}
	c.Response().Header().Set("X-Cache", "miss")
	return xhttp.SuccessResponse(c, signals)
}

// Reset queues a cascading reset of the named stage.
func (h *AgentHandler) Reset(c echo.Context) error {
	if !h.resets.Allow(c.RealIP()) {
		h.logger.Warn("reset rate limited", xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("reset rate limited"))
	}
	req := &models.ResetRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	stage, err := h.agent.Ladder().ParseStage(req.Stage)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithParam("stage", req.Stage))
	}
	if err := h.agent.RequestReset(stage); err != nil {
		h.logger.Error("reset request", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("stage", err.Error()))
	}
	if h.cache != nil {
		_ = h.cache.Delete(context.WithoutCancel(c.Request().Context()), h.signalsKey())
	}
	h.logger.Info("reset queued", xlogger.String("stage", stage.String()))
	return xhttp.AcceptedResponse(c, map[string]string{"stage": stage.String()})
}

func (h *AgentHandler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.bars.GetBars(c.Request().Context(), usecase.BarsParams{
		Symbol:    req.Symbol,
		From:      util.ParseTimeDefault(req.From, time.Time{}),
		To:        util.ParseTimeDefault(req.To, time.Time{}),
		Timeframe: domrepo.NormalizeTimeframe(req.TF),
		Limit:     req.Limit,
	})
	switch {
	case errors.Is(err, usecase.ErrUnknownSymbol):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()))
	case errors.Is(err, usecase.ErrBadRange):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	case err != nil:
		h.logger.Error("bars usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}
