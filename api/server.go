// Package api exposes the settlement services over HTTP: fund and token
// management for buyers, nonce issuance, and the three claim endpoints.
package api

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridsettle/observability/metrics"
	"gridsettle/settle"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Config wires a Server.
type Config struct {
	Logger        *slog.Logger
	Discount      *settle.DiscountService
	Payment       *settle.PaymentService
	Audit         *AuditLog
	RatePerSecond float64
	RateBurst     int
}

// Server is the HTTP front-end for the settlement engine.
type Server struct {
	logger   *slog.Logger
	discount *settle.DiscountService
	payment  *settle.PaymentService
	audit    *AuditLog
	claims   *metrics.ClaimMetrics
	limiter  *rateLimiter
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Discount == nil || cfg.Payment == nil {
		return nil, fmt.Errorf("api: discount and payment services required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		logger:   logger,
		discount: cfg.Discount,
		payment:  cfg.Payment,
		audit:    cfg.Audit,
		claims:   metrics.Claims(),
		limiter:  newRateLimiter(perSecond, burst),
	}, nil
}

// Router assembles the chi router with the middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(withRequestLogging(s.logger))
	r.Use(s.limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/funds/deposit", s.handleDeposit)
	r.Post("/token/issue", s.handleTokenIssue)
	r.Post("/bid/validate", s.handleBidValidate)
	r.Post("/nonce/issue", s.handleNonceIssue)
	r.Post("/claim/discount", s.handleDiscountClaim)
	r.Post("/claim/payment", s.handlePaymentClaim)
	r.Post("/claim/seller", s.handleSellerClaim)
	return r
}

type errorResponse struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps a stable rejection code to an HTTP status. Proof failures are
// 403, replay is 409, ledger faults surface as gateway errors.
func statusFor(code string) int {
	switch code {
	case "REPLAY_OR_STALE_NONCE":
		return http.StatusConflict
	case "SIGNATURE_INVALID", "ISSUER_KEY_MISMATCH", "UNTRUSTED_CERTIFICATE":
		return http.StatusForbidden
	case "NOT_A_BID_TRANSACTION", "TX_NOT_VALIDATED":
		return http.StatusUnprocessableEntity
	case "INSUFFICIENT_FUNDS":
		return http.StatusPaymentRequired
	case "UNKNOWN_TOKEN":
		return http.StatusNotFound
	case "LEDGER_TRANSIENT":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := settle.Code(err)
	s.writeJSON(w, statusFor(code), errorResponse{
		Code:      code,
		Error:     err.Error(),
		Retryable: settle.Retryable(err),
	})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Error: err.Error()})
}

func (s *Server) decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func (s *Server) recordAudit(r *http.Request, kind, claimant, reference, code string, credited float64) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(r.Context(), requestID(r.Context()), kind, claimant, reference, code, credited); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}

type depositRequest struct {
	ClaimantID string  `json:"claimant_id"`
	Amount     float64 `json:"amount"`
}

type depositResponse struct {
	Balance float64 `json:"balance"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	escrow := s.payment.Escrow()
	if err := escrow.Deposit(req.ClaimantID, req.Amount); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, depositResponse{Balance: escrow.Balance(req.ClaimantID)})
}

type tokenIssueRequest struct {
	ClaimantID     string  `json:"claimant_id"`
	RequestedFunds float64 `json:"requested_funds"`
}

type tokenIssueResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var req tokenIssueRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	token, err := s.payment.Escrow().MintToken(req.ClaimantID, req.RequestedFunds)
	if err != nil {
		if errors.Is(err, settle.ErrInsufficientFunds) {
			s.writeServiceError(w, err)
			return
		}
		s.writeBadRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenIssueResponse{Token: token})
}

type bidValidateRequest struct {
	ClaimantID string `json:"claimant_id"`
	Token      string `json:"token"`
}

type bidValidateResponse struct {
	Result string `json:"result"`
}

func (s *Server) handleBidValidate(w http.ResponseWriter, r *http.Request) {
	var req bidValidateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.ClaimantID) == "" || strings.TrimSpace(req.Token) == "" {
		s.writeBadRequest(w, errors.New("claimant_id and token required"))
		return
	}
	result, err := s.payment.ValidateBid(r.Context(), req.ClaimantID, req.Token)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bidValidateResponse{Result: result})
}

type nonceIssueRequest struct {
	ClaimantID string `json:"claimant_id"`
}

type nonceIssueResponse struct {
	Nonce string `json:"nonce"`
}

func (s *Server) handleNonceIssue(w http.ResponseWriter, r *http.Request) {
	var req nonceIssueRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	nonce, err := s.payment.Nonces().Issue(req.ClaimantID)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	// Decimal string: the value must survive JSON number handling unchanged
	// because the claimant signs its exact decimal rendering.
	s.writeJSON(w, http.StatusOK, nonceIssueResponse{Nonce: strconv.FormatUint(nonce, 10)})
}

type claimRequest struct {
	ClaimantID string `json:"claimant_id"`
	TxID       string `json:"tx_id"`
	IssuerKey  []byte `json:"issuer_key"`
	Signature  []byte `json:"signature"`
}

func (c claimRequest) validate() error {
	if strings.TrimSpace(c.ClaimantID) == "" {
		return errors.New("claimant_id required")
	}
	if strings.TrimSpace(c.TxID) == "" {
		return errors.New("tx_id required")
	}
	if len(c.IssuerKey) == 0 || len(c.Signature) == 0 {
		return errors.New("issuer_key and signature required")
	}
	return nil
}

func (c claimRequest) toSettle() settle.ClaimRequest {
	return settle.ClaimRequest{
		ClaimantID: c.ClaimantID,
		TxID:       c.TxID,
		IssuerKey:  c.IssuerKey,
		Signature:  c.Signature,
	}
}

type discountClaimResponse struct {
	CreditedKWH float64 `json:"credited_kwh"`
}

func (s *Server) handleDiscountClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	start := time.Now()
	credited, err := s.discount.Claim(r.Context(), req.toSettle())
	if err != nil {
		s.claims.ObserveRejected("discount", settle.Code(err), time.Since(start))
		s.recordAudit(r, "discount", req.ClaimantID, req.TxID, settle.Code(err), 0)
		s.writeServiceError(w, err)
		return
	}
	s.claims.ObserveAccepted("discount", credited, time.Since(start))
	s.recordAudit(r, "discount", req.ClaimantID, req.TxID, "OK", credited)
	s.writeJSON(w, http.StatusOK, discountClaimResponse{CreditedKWH: credited})
}

type paymentClaimResponse struct {
	Credited float64 `json:"credited"`
}

func (s *Server) handlePaymentClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	start := time.Now()
	credited, err := s.payment.Claim(r.Context(), req.toSettle())
	if err != nil {
		s.claims.ObserveRejected("payment", settle.Code(err), time.Since(start))
		s.recordAudit(r, "payment", req.ClaimantID, req.TxID, settle.Code(err), 0)
		s.writeServiceError(w, err)
		return
	}
	s.claims.ObserveAccepted("payment", credited, time.Since(start))
	s.recordAudit(r, "payment", req.ClaimantID, req.TxID, "OK", credited)
	s.writeJSON(w, http.StatusOK, paymentClaimResponse{Credited: credited})
}

type sellerClaimRequest struct {
	SellerID    string `json:"seller_id"`
	SellerMSP   string `json:"seller_msp"`
	Token       string `json:"token"`
	Certificate string `json:"certificate"`
	Signature   []byte `json:"signature"`
}

type sellerClaimResponse struct {
	Credited float64 `json:"credited"`
}

func parseCertificate(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificate must be a PEM CERTIFICATE block")
	}
	return x509.ParseCertificate(block.Bytes)
}

func (s *Server) handleSellerClaim(w http.ResponseWriter, r *http.Request) {
	var req sellerClaimRequest
	if err := s.decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if strings.TrimSpace(req.SellerID) == "" || strings.TrimSpace(req.SellerMSP) == "" || strings.TrimSpace(req.Token) == "" {
		s.writeBadRequest(w, errors.New("seller_id, seller_msp and token required"))
		return
	}
	cert, err := parseCertificate(req.Certificate)
	if err != nil {
		s.writeBadRequest(w, fmt.Errorf("parse certificate: %w", err))
		return
	}
	start := time.Now()
	credited, err := s.payment.SellerClaim(r.Context(), req.SellerID, req.SellerMSP, req.Token, cert, req.Signature)
	if err != nil {
		s.claims.ObserveRejected("seller", settle.Code(err), time.Since(start))
		s.recordAudit(r, "seller", req.SellerID, req.Token, settle.Code(err), 0)
		s.writeServiceError(w, err)
		return
	}
	s.claims.ObserveAccepted("seller", credited, time.Since(start))
	s.recordAudit(r, "seller", req.SellerID, req.Token, "OK", credited)
	s.writeJSON(w, http.StatusOK, sellerClaimResponse{Credited: credited})
}
