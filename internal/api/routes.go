package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/decision"
	"policy-llm/backend/internal/store"
)

const (
	serviceName = "policy-llm"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Decider produces signed decisions.
type Decider interface {
	Decide(ctx context.Context, req decision.DecideRequest) (decision.SignedDecision, error)
}

// ModelLister reports which models the backend has loaded.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// DecisionReader serves stored decisions.
type DecisionReader interface {
	GetDecision(auditID string) (*store.DecisionRecord, error)
	ListDecisions(opts store.DecisionQuery) ([]store.DecisionRecord, int64, error)
}

// Config defines server dependencies.
type Config struct {
	Pipeline       Decider
	Models         ModelLister
	Decisions      DecisionReader
	Notifier       *DecisionNotifier
	ModelName      string
	OllamaURL      string
	OPAURL         string
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// Server wires HTTP handlers to the decision pipeline and audit store.
type Server struct {
	pipeline       Decider
	models         ModelLister
	decisions      DecisionReader
	notifier       *DecisionNotifier
	modelName      string
	ollamaURL      string
	opaURL         string
	allowedOrigins []string
	log            logrus.FieldLogger
}

// NewServer constructs the API server. Decisions may be nil, in which case
// the read endpoints answer 503.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("decision pipeline required")
	}
	if cfg.Models == nil {
		return nil, errors.New("model lister required")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewDecisionNotifier()
	}
	return &Server{
		pipeline:       cfg.Pipeline,
		models:         cfg.Models,
		decisions:      cfg.Decisions,
		notifier:       notifier,
		modelName:      cfg.ModelName,
		ollamaURL:      cfg.OllamaURL,
		opaURL:         cfg.OPAURL,
		allowedOrigins: cfg.AllowedOrigins,
		log:            log.WithField("component", "api"),
	}, nil
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api/v1/ai")
	{
		api.POST("/decide", s.handleDecide)
		api.GET("/models", s.handleModels)
		api.GET("/decisions", s.handleListDecisions)
		api.GET("/decisions/stream", s.handleDecisionStream)
		api.GET("/decisions/:auditId", s.handleGetDecision)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"service":    serviceName,
		"model":      s.modelName,
		"ollama_url": s.ollamaURL,
		"opa_url":    s.opaURL,
	})
}

func (s *Server) handleDecide(c *gin.Context) {
	var req decision.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusUnprocessableEntity, err)
		return
	}

	signed, err := s.pipeline.Decide(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).WithField("agent_id", req.AgentID).Error("decision failed")
		}
		s.renderError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, signed)
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.models.ListModels(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Warn("list models")
		c.JSON(http.StatusOK, gin.H{"models": []string{}, "error": err.Error()})
		return
	}
	if models == nil {
		models = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleListDecisions(c *gin.Context) {
	if s.decisions == nil {
		s.renderError(c, http.StatusServiceUnavailable, errors.New("decision store not configured"))
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	offset := 0
	if value := strings.TrimSpace(c.Query("offset")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			s.renderError(c, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
			return
		}
		offset = parsed
	}

	rows, total, err := s.decisions.ListDecisions(store.DecisionQuery{
		AgentID:     c.Query("agentId"),
		Decision:    c.Query("decision"),
		Environment: c.Query("environment"),
		FailOpen:    strings.EqualFold(strings.TrimSpace(c.Query("failOpen")), "true"),
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	items := make([]DecisionRecordDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, FromModel(row))
	}
	c.JSON(http.StatusOK, DecisionsResponse{
		Decisions: items,
		Count:     len(items),
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleGetDecision(c *gin.Context) {
	if s.decisions == nil {
		s.renderError(c, http.StatusServiceUnavailable, errors.New("decision store not configured"))
		return
	}
	record, err := s.decisions.GetDecision(c.Param("auditId"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, FromModel(*record))
}

func (s *Server) handleDecisionStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.notifier.Register(conn)
	remote := conn.RemoteAddr().String()
	s.log.WithField("remote", remote).Info("decision websocket connected")
	defer s.notifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithField("remote", remote).Info("decision websocket closed")
			} else {
				s.log.WithError(err).Warn("decision websocket unexpected close")
			}
			break
		}
	}
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrRequestValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, decision.ErrSchemaViolation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultListLimit, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if parsed > maxListLimit {
		parsed = maxListLimit
	}
	return parsed, nil
}
