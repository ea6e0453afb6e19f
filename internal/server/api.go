package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"voltbridge/internal/broker"
	"voltbridge/internal/config"
	"voltbridge/internal/identity"
	"voltbridge/internal/logger"
	"voltbridge/internal/relay"
	"voltbridge/internal/store"
)

// APIServer handles REST API requests
type APIServer struct {
	store           *store.Store
	broker          *broker.Broker
	relay           *relay.Relay
	logger          zerolog.Logger
	server          *http.Server
	jwtService      *JWTService
	passwordService *PasswordService
	authMiddleware  *AuthMiddleware
	callTimeout     time.Duration
}

// NewAPIServer creates a new API server
func NewAPIServer(st *store.Store, b *broker.Broker, r *relay.Relay, cfg *config.Config) *APIServer {
	jwtService := NewJWTService(cfg.Security.JWT.SecretKey, cfg.Security.JWT.Issuer, cfg.Security.JWT.ExpiryHours)
	passwordService := NewPasswordService()
	authMiddleware := NewAuthMiddleware(jwtService, st)

	return &APIServer{
		store:           st,
		broker:          b,
		relay:           r,
		logger:          logger.New(),
		jwtService:      jwtService,
		passwordService: passwordService,
		authMiddleware:  authMiddleware,
		callTimeout:     cfg.GetCallTimeout(),
	}
}

// Start starts the HTTP API server
func (api *APIServer) Start(address string) error {
	router := mux.NewRouter()

	router.Use(api.loggingMiddleware)
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	// Authentication endpoints
	apiRouter.HandleFunc("/auth/register", api.handleRegister).Methods("POST")
	apiRouter.HandleFunc("/auth/login", api.handleLogin).Methods("POST")
	apiRouter.Handle("/auth/me", api.protected(api.handleGetCurrentUser)).Methods("GET")

	// Broker observability
	apiRouter.Handle("/connections", api.protected(api.handleConnections)).Methods("GET")
	apiRouter.Handle("/calls/pending", api.protected(api.handlePendingCalls)).Methods("GET")
	apiRouter.Handle("/calls/{correlation_id}", api.protected(api.handleGetCall)).Methods("GET")
	apiRouter.Handle("/relay/sessions", api.protected(api.handleRelaySessions)).Methods("GET")
	apiRouter.Handle("/relay/sync", api.protected(api.handleRelaySync)).Methods("POST")

	// Charger operations
	apiRouter.Handle("/chargers/{serial}/calls", api.protected(api.handleSubmitCall)).Methods("POST")
	apiRouter.Handle("/chargers/{serial}/calls/sync", api.protected(api.handleSubmitCallSync)).Methods("POST")
	apiRouter.Handle("/chargers/{serial}/export", api.protected(api.handleSetExport)).Methods("PUT")
	apiRouter.Handle("/chargers/{serial}", api.protected(api.handlePurgeCharger)).Methods("DELETE")

	// Forwarder configuration
	apiRouter.Handle("/forwarders", api.protected(api.handleCreateForwarder)).Methods("POST")

	// Health check
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")

	api.server = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	api.logger.Info().
		Str("address", address).
		Msg("Starting API server")

	return api.server.ListenAndServe()
}

// Stop stops the API server
func (api *APIServer) Stop() error {
	if api.server != nil {
		return api.server.Close()
	}
	return nil
}

func (api *APIServer) protected(handler http.HandlerFunc) http.Handler {
	return api.authMiddleware.RequireAuth(handler)
}

// Middleware
func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Authentication endpoints

func (api *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		api.sendError(w, http.StatusBadRequest, "username required and password must be at least 8 characters")
		return
	}

	hash, err := api.passwordService.HashPassword(req.Password)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user, err := api.store.CreateUser(req.Username, hash, "operator")
	if err != nil {
		api.sendError(w, http.StatusConflict, "user already exists")
		return
	}

	token, err := api.jwtService.GenerateToken(user)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	api.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (api *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := api.store.GetUserByUsername(req.Username)
	if err != nil {
		api.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := api.passwordService.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		api.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := api.jwtService.GenerateToken(user)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (api *APIServer) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := GetUserFromContext(r)
	if !ok {
		api.sendError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	api.sendJSON(w, http.StatusOK, user)
}

// Broker observability

func (api *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	snapshot := api.broker.Registry().Snapshot()
	connections := make([]map[string]interface{}, 0, len(snapshot))
	for key, conn := range snapshot {
		connections = append(connections, map[string]interface{}{
			"key":           key,
			"serial":        conn.Serial,
			"subprotocol":   conn.Subprotocol,
			"remote_addr":   conn.RemoteAddr,
			"state":         conn.State(),
			"resolved":      conn.Resolved(),
			"connected_at":  conn.ConnectedAt,
			"last_activity": conn.LastActivity(),
		})
	}
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(connections),
		"connections": connections,
	})
}

func (api *APIServer) handlePendingCalls(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	var calls []*broker.PendingCall
	if serial != "" {
		calls = api.broker.Tracker().PendingForSerial(serial)
	} else {
		calls = api.broker.Tracker().Pending()
	}
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(calls),
		"calls": calls,
	})
}

func (api *APIServer) handleGetCall(w http.ResponseWriter, r *http.Request) {
	correlationID := mux.Vars(r)["correlation_id"]
	record, err := api.store.GetCallRecord(correlationID)
	if err != nil {
		api.sendError(w, http.StatusNotFound, "call not found")
		return
	}
	api.sendJSON(w, http.StatusOK, record)
}

func (api *APIServer) handleRelaySessions(w http.ResponseWriter, r *http.Request) {
	sessions := api.relay.Sessions()
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (api *APIServer) handleRelaySync(w http.ResponseWriter, r *http.Request) {
	api.relay.Sync()
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"synced":   true,
		"sessions": api.relay.Sessions(),
	})
}

// Charger operations

type submitCallRequest struct {
	Action    string                 `json:"action"`
	Connector *uint                  `json:"connector"`
	Payload   json.RawMessage        `json:"payload"`
	Signature string                 `json:"signature"`
	Extra     map[string]interface{} `json:"extra"`
}

func (api *APIServer) chargerID(serial string, connector *uint) identity.ChargerID {
	if connector != nil {
		return identity.ForConnector(serial, *connector)
	}
	return identity.Aggregate(serial)
}

func (api *APIServer) handleSubmitCall(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	var req submitCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		api.sendError(w, http.StatusBadRequest, "action is required")
		return
	}

	id := api.chargerID(serial, req.Connector)

	var correlationID string
	var err error
	if req.Signature != "" {
		correlationID, err = api.broker.SubmitSignedCall(id, req.Action, req.Payload, req.Signature)
	} else {
		correlationID, err = api.broker.SubmitCall(id, req.Action, req.Payload, req.Extra, "")
	}
	if err != nil {
		api.sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	api.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"correlation_id": correlationID,
	})
}

func (api *APIServer) handleSubmitCallSync(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	var req submitCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		api.sendError(w, http.StatusBadRequest, "action is required")
		return
	}

	id := api.chargerID(serial, req.Connector)

	outcome, err := api.broker.SubmitCallSync(id, req.Action, req.Payload, req.Extra)
	if err != nil {
		api.sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	response := map[string]interface{}{
		"correlation_id": outcome.Call.CorrelationID,
		"success":        outcome.Success,
	}
	if outcome.Success {
		response["payload"] = outcome.Payload
	} else {
		response["error_code"] = outcome.ErrorCode
		response["error_description"] = outcome.ErrorDescription
	}
	api.sendJSON(w, http.StatusOK, response)
}

func (api *APIServer) handleSetExport(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	var req struct {
		ExportEnabled      bool   `json:"export_enabled"`
		RemoteAdminEnabled bool   `json:"remote_admin_enabled"`
		ForwarderID        string `json:"forwarder_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := api.store.SetChargerExport(serial, req.ExportEnabled, req.RemoteAdminEnabled, req.ForwarderID); err != nil {
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Apply eligibility changes without waiting for the next pass.
	api.relay.Sync()

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"serial":               serial,
		"export_enabled":       req.ExportEnabled,
		"remote_admin_enabled": req.RemoteAdminEnabled,
		"forwarder_id":         req.ForwarderID,
	})
}

func (api *APIServer) handlePurgeCharger(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	if err := api.broker.ClearCharger(serial); err != nil {
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.relay.Sync()

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"serial": serial,
		"purged": true,
	})
}

// Forwarder configuration

func (api *APIServer) handleCreateForwarder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string   `json:"name"`
		NodeID            string   `json:"node_id"`
		BaseURLs          []string `json:"base_urls"`
		ForwardedMessages []string `json:"forwarded_messages"`
		ForwardedCalls    []string `json:"forwarded_calls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.NodeID == "" || len(req.BaseURLs) == 0 {
		api.sendError(w, http.StatusBadRequest, "name, node_id and base_urls are required")
		return
	}

	forwarder, err := api.store.CreateForwarder(req.Name, req.NodeID, req.BaseURLs, req.ForwardedMessages, req.ForwardedCalls)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.sendJSON(w, http.StatusCreated, forwarder)
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"connections":   api.broker.Registry().Count(),
		"pending_calls": api.broker.Tracker().PendingCount(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}
