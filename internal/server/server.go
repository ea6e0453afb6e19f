package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voltbridge/internal/broker"
	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
)

// Server accepts charge-point websocket connections and hands them to the
// broker. The admin REST API runs separately on APIServer.
type Server struct {
	broker     *broker.Broker
	auth       *Authenticator
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a websocket accept server. auth may be nil to admit every
// charger without a credential check.
func New(b *broker.Broker, auth *Authenticator) *Server {
	return &Server{
		broker: b,
		auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    protocol.SupportedSubprotocols,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.New(),
	}
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{serial}", s.handleWebsocket)
	router.HandleFunc("/ocpp/{serial}", s.handleWebsocket)
	router.HandleFunc("/{serial}", s.handleWebsocket)
	router.HandleFunc("/", s.handleWebsocket)
	return router
}

// Start runs the accept loop until the listener fails or Stop is called.
func (s *Server) Start(address string) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:        address,
		Handler:     router,
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 0,
	}

	s.logger.Info().
		Str("address", address).
		Msg("Starting charge point server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("charge point server failed: %w", err)
	}
	return nil
}

// StartTLS runs the accept loop with TLS.
func (s *Server) StartTLS(address, certFile, keyFile string) error {
	s.httpServer = &http.Server{Addr: address, Handler: s.buildRouter()}

	s.logger.Info().
		Str("address", address).
		Msg("Starting charge point server with TLS")

	if err := s.httpServer.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("charge point server failed: %w", err)
	}
	return nil
}

// Stop closes the listener. Live websocket connections are closed by the
// broker's shutdown.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// serialFromRequest extracts the charger serial from the path, a query
// parameter, or the offered subprotocol list, in that order.
func serialFromRequest(r *http.Request) string {
	if serial := mux.Vars(r)["serial"]; serial != "" && serial != "ws" && serial != "ocpp" {
		return serial
	}
	if serial := r.URL.Query().Get("serial"); serial != "" {
		return serial
	}
	// Some chargers offer their serial alongside the protocol version.
	for _, offered := range websocket.Subprotocols(r) {
		if !protocol.IsSupportedSubprotocol(offered) {
			return offered
		}
	}
	return ""
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	serial := serialFromRequest(r)
	if serial == "" {
		http.Error(w, "charger serial is required", http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		if username, password, ok := r.BasicAuth(); ok {
			if _, err := s.auth.Verify(username, password); err != nil {
				s.logger.Warn().
					Str("serial", serial).
					Str("username", username).
					Err(err).
					Msg("Rejected charger credentials")
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Str("serial", serial).Err(err).Msg("Websocket upgrade failed")
		return
	}

	subprotocol := ws.Subprotocol()
	if subprotocol == "" {
		subprotocol = protocol.SubprotocolOCPP16
	}

	sourceHost := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceHost = host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			sourceHost = first
		}
	}

	conn := broker.NewConn(ws, serial, subprotocol, r.RemoteAddr, sourceHost)
	conn.SetState(broker.StateAuthenticating)

	s.logger.Info().
		Str("serial", serial).
		Str("remote_addr", r.RemoteAddr).
		Str("subprotocol", subprotocol).
		Time("connected_at", time.Now()).
		Msg("Charge point connected")

	go s.broker.HandleConnection(conn)
}
