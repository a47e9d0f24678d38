package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core"
	nativecommon "escrowd/native/common"
	"escrowd/native/escrow"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	readHeaderTimeout = 5 * time.Second
	jwtClockSkew      = 2 * time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

// Options carries the transport-level settings the server needs beyond the
// node handle itself.
type Options struct {
	// AuthToken enables static bearer-token auth for mutating methods.
	AuthToken string
	// JWTSecret enables HS256 bearer tokens as an alternative credential.
	JWTSecret string
	Logger    *slog.Logger
}

type Server struct {
	node      *core.Node
	authToken string
	jwtSecret []byte
	logger    *slog.Logger
}

func NewServer(node *core.Node, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(opts.AuthToken),
		jwtSecret: []byte(strings.TrimSpace(opts.JWTSecret)),
		logger:    logger,
	}
}

// Router assembles the HTTP surface: the JSON-RPC endpoint at the root plus
// health and metrics endpoints for operators.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "escrow_createAgreement":
		s.withAuth(w, r, req, s.handleCreateAgreement)
	case "escrow_getAgreement":
		s.handleGetAgreement(w, r, req)
	case "escrow_depositFunds":
		s.withAuth(w, r, req, s.handleDepositFunds)
	case "escrow_releaseFunds":
		s.withAuth(w, r, req, s.handleReleaseFunds)
	case "escrow_initiateDispute":
		s.withAuth(w, r, req, s.handleInitiateDispute)
	case "escrow_resolveDispute":
		s.withAuth(w, r, req, s.handleResolveDispute)
	case "escrow_cancelAgreement":
		s.withAuth(w, r, req, s.handleCancelAgreement)
	case "escrow_depositStake":
		s.withAuth(w, r, req, s.handleDepositStake)
	case "escrow_getStake":
		s.handleGetStake(w, r, req)
	case "escrow_getServiceFee":
		s.handleGetServiceFee(w, r, req)
	case "escrow_setServiceFee":
		s.withAuth(w, r, req, s.handleSetServiceFee)
	case "escrow_getBalance":
		s.handleGetBalance(w, r, req)
	case "escrow_credit":
		s.withAuth(w, r, req, s.handleCredit)
	case "escrow_setPaused":
		s.withAuth(w, r, req, s.handleSetPaused)
	case "escrow_listEvents":
		s.handleListEvents(w, r, req)
	case "escrow_simpleCreate":
		s.withAuth(w, r, req, s.handleSimpleCreate)
	case "escrow_simpleGet":
		s.handleSimpleGet(w, r, req)
	case "escrow_simpleConfirmDelivery":
		s.withAuth(w, r, req, s.handleSimpleConfirmDelivery)
	case "escrow_simpleRefund":
		s.withAuth(w, r, req, s.handleSimpleRefund)
	case "escrow_simpleDispute":
		s.withAuth(w, r, req, s.handleSimpleDispute)
	case "escrow_simpleResolve":
		s.withAuth(w, r, req, s.handleSimpleResolve)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

type rpcHandler func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) withAuth(w http.ResponseWriter, r *http.Request, req *RPCRequest, next rpcHandler) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" && len(s.jwtSecret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if s.authToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1 {
		return nil
	}
	if len(s.jwtSecret) > 0 {
		if err := s.validateJWT(token); err == nil {
			return nil
		}
	}
	return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
}

func (s *Server) validateJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithLeeway(jwtClockSkew))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	return nil
}

// writeEscrowError maps engine sentinel errors onto JSON-RPC error codes so
// callers can branch on the failure class without parsing messages.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrNotParty):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeServerError
		message = "module_paused"
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrReentrancy):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidExpiration),
		errors.Is(err, escrow.ErrEmptyParties),
		errors.Is(err, escrow.ErrFeeOutOfBounds):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
