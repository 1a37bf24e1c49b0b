// Package server exposes the relayer over HTTP with gin.
package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

// Service is the relayer surface the HTTP handlers depend on.
type Service interface {
	Authorize(ctx context.Context, req *types.VerifyRequest) (*types.Token, error)
	Dispatch(ctx context.Context, rawToken string, req *types.DeliveryRequest) (*types.Acknowledgment, error)
	ChainConfig() types.ChainConfig
	ChainID() *big.Int
}

type Server struct {
	svc     Service
	engine  *gin.Engine
	logger  logger.Logger
	metrics http.Handler
	version string
	origins []string
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithCORSOrigins restricts cross-origin callers to origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(s.logger), corsPolicy(s.origins))

	r.GET("/health", s.health)
	r.GET("/config", s.config)
	r.POST("/verify", s.verify)
	r.POST("/dispatch", s.dispatch)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.engine = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if id := s.svc.ChainID(); id != nil {
		body["chainId"] = id.String()
	}
	if s.version != "" {
		body["version"] = s.version
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) config(c *gin.Context) {
	cfg := s.svc.ChainConfig()
	if cfg.ContractAddress == "" {
		writeError(c, types.NewError(types.ErrCodeInternal, "contract address not configured", nil))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) verify(c *gin.Context) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.NewError(types.ErrCodeInvalidRequest, "malformed verify body", err))
		return
	}

	tok, err := s.svc.Authorize(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.VerifyResponse{
		Status:    types.StatusAuthorized,
		JWT:       tok.Raw,
		ExpiresAt: tok.ExpiresAt,
	})
}

func (s *Server) dispatch(c *gin.Context) {
	raw, err := bearerToken(c.GetHeader("Authorization"))
	if err != nil {
		writeError(c, err)
		return
	}

	var req types.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.NewError(types.ErrCodeInvalidRequest, "malformed dispatch body", err))
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		writeError(c, types.NewError(types.ErrCodeInvalidRequest, "destination and content are required", err))
		return
	}

	ack, err := s.svc.Dispatch(c.Request.Context(), raw, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dispatchResponse(ack))
}

func dispatchResponse(ack *types.Acknowledgment) types.DispatchResponse {
	resp := types.DispatchResponse{
		Status:      ack.Status,
		Service:     ack.Service,
		Destination: ack.Destination,
		Meta: types.DispatchMeta{
			PaymentID:          ack.PaymentRef,
			ConsumptionTx:      ack.ConsumptionTx,
			ConsumptionPending: ack.ConsumptionPending,
			Timestamp:          ack.Timestamp.Unix(),
		},
	}
	if ack.Gateway != nil {
		resp.Meta.ProviderID = ack.Gateway.ProviderID
		resp.Gateway = make(map[string]any, len(ack.Gateway.Fields))
		for k, v := range ack.Gateway.Fields {
			resp.Gateway[k] = v
		}
	}
	return resp
}

var errMissingBearer = errors.New("missing bearer token")

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", types.NewError(types.ErrCodeInvalidToken, "authorization header must be 'Bearer <token>'", errMissingBearer)
	}
	return strings.TrimSpace(token), nil
}
