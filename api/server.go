// Package api exposes the facilitator over HTTP: the payment endpoint,
// the per-user policy surface, and read-only vault profile lookups.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/facilitator"
	"github.com/x402-foundation/x402-vault/policy"
	"github.com/x402-foundation/x402-vault/vault"
)

// ProfileReader looks up vault recipient profiles for the read-only
// endpoint. *vault.Ledger satisfies it directly in in-process
// deployments.
type ProfileReader interface {
	Profile(address string) vault.AuthorProfile
}

// Config wires a Server. Profiles may be nil when the deployment has no
// local vault ledger.
type Config struct {
	Executor *facilitator.Executor
	Policy   *policy.Validator
	Profiles ProfileReader
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Server is the facilitator's HTTP surface.
type Server struct {
	engine   *gin.Engine
	executor *facilitator.Executor
	policy   *policy.Validator
	profiles ProfileReader
	metrics  *Metrics
	logger   *slog.Logger
}

// NewServer builds the router. Gin runs in release mode; recovery only,
// logging goes through slog.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		executor: cfg.Executor,
		policy:   cfg.Policy,
		profiles: cfg.Profiles,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}

	engine.POST("/api/pay", s.handlePay)
	engine.GET("/api/policy/:address", s.handleGetPolicy)
	engine.POST("/api/policy/:address", s.handleUpdatePolicy)
	engine.POST("/api/policy/:address/authorize-merchant", s.handleAuthorizeMerchant)
	if s.profiles != nil {
		engine.GET("/api/vault/:address", s.handleVaultProfile)
	}
	engine.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	return s
}

// Engine exposes the router for tests and embedding.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("facilitator API listening", "addr", addr)
	return s.engine.Run(addr)
}

func (s *Server) handlePay(c *gin.Context) {
	start := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(x402vault.ErrorKindTransactionFailed, "failed to read request body"))
		return
	}
	if err := validatePaymentRequestBody(body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(x402vault.ErrorKindTransactionFailed, err.Error()))
		return
	}

	var req x402vault.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(x402vault.ErrorKindTransactionFailed, "malformed payment request"))
		return
	}

	// Policy gate: nothing reaches the executor without passing it.
	decision, err := s.policy.Check(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("policy check failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(x402vault.ErrorKindTransactionFailed, "internal error"))
		return
	}
	if !decision.Allowed {
		s.metrics.ObservePayment(false, string(x402vault.ErrorKindPolicyViolation), time.Since(start))
		c.JSON(http.StatusForbidden, x402vault.PaymentResult{
			Success:     false,
			ErrorKind:   x402vault.ErrorKindPolicyViolation,
			ErrorReason: decision.Reason,
		})
		return
	}

	result, err := s.executor.Execute(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("payment execution failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(x402vault.ErrorKindTransactionFailed, "internal error"))
		return
	}

	if result.Success {
		amount, ok := new(big.Int).SetString(req.Challenge.Amount, 10)
		if ok {
			if err := s.policy.RecordSpend(c.Request.Context(), req.UserAddress, amount); err != nil {
				s.logger.Error("failed to record spend", "user", req.UserAddress, "error", err)
			}
		}
	}

	s.metrics.ObservePayment(result.Success, string(result.ErrorKind), time.Since(start))
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	p, err := s.policy.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.logger.Error("policy lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, policyView(p))
}

type policyUpdateRequest struct {
	MaxTransactionAmount *string `json:"maxTransactionAmount"`
	DailySpendingLimit   *string `json:"dailySpendingLimit"`
	AutoPayEnabled       *bool   `json:"autoPayEnabled"`
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var req policyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed policy update"})
		return
	}

	var maxTx, daily *big.Int
	if req.MaxTransactionAmount != nil {
		var ok bool
		if maxTx, ok = new(big.Int).SetString(*req.MaxTransactionAmount, 10); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxTransactionAmount"})
			return
		}
	}
	if req.DailySpendingLimit != nil {
		var ok bool
		if daily, ok = new(big.Int).SetString(*req.DailySpendingLimit, 10); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dailySpendingLimit"})
			return
		}
	}

	p, err := s.policy.SetLimits(c.Request.Context(), c.Param("address"), maxTx, daily, req.AutoPayEnabled)
	if err != nil {
		s.logger.Error("policy update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, policyView(p))
}

type authorizeMerchantRequest struct {
	Merchant string `json:"merchant"`
	Domain   string `json:"domain"`
}

func (s *Server) handleAuthorizeMerchant(c *gin.Context) {
	var req authorizeMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed authorize request"})
		return
	}
	if req.Merchant == "" && req.Domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merchant or domain is required"})
		return
	}

	p, err := s.policy.Authorize(c.Request.Context(), c.Param("address"), req.Merchant, req.Domain)
	if err != nil {
		s.logger.Error("merchant authorization failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, policyView(p))
}

func (s *Server) handleVaultProfile(c *gin.Context) {
	profile := s.profiles.Profile(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{
		"tier":             profile.Tier.String(),
		"availableBalance": profile.AvailableBalance.String(),
		"lockedBalance":    profile.LockedBalance.String(),
		"unlockTime":       profile.UnlockTime,
	})
}

func errorBody(kind x402vault.ErrorKind, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   x402vault.NewPaymentError(kind, message, nil),
	}
}

func policyView(p *policy.UserPolicy) gin.H {
	merchants := make([]string, 0, len(p.AuthorizedMerchants))
	for m := range p.AuthorizedMerchants {
		merchants = append(merchants, m)
	}
	domains := make([]string, 0, len(p.AuthorizedDomains))
	for d := range p.AuthorizedDomains {
		domains = append(domains, d)
	}

	remaining := new(big.Int).Sub(p.DailySpendingLimit, p.SpentToday)
	if remaining.Sign() < 0 {
		remaining = new(big.Int)
	}

	return gin.H{
		"address":                 p.Address,
		"maxTransactionAmount":    p.MaxTransactionAmount.String(),
		"dailySpendingLimit":      p.DailySpendingLimit.String(),
		"spentToday":              p.SpentToday.String(),
		"lastReset":               p.LastReset.UTC().Format(time.RFC3339),
		"authorizedMerchants":     merchants,
		"authorizedDomains":       domains,
		"autoPayEnabled":          p.AutoPayEnabled,
		"remainingDailyAllowance": remaining.String(),
	}
}
