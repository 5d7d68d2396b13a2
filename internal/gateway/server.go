package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	fiberws "github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/inkwell-collab/inkwell-server/internal/config"
	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/identity"
)

// authPayload is the structured token every connection must supply, either as the first protocol
// message or via query parameters.
type authPayload struct {
	Account   string `json:"account"`
	Challenge string `json:"challenge"`
	PubKey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// Server is the Connection Gateway (component H): it completes the WebSocket handshake, verifies
// the connecting client's identity, and hands the connection off to the document's Hub.
type Server struct {
	registry    *Registry
	verifier    *identity.Verifier
	cfg         *config.Config
	log         zerolog.Logger
	connections int64
}

// NewServer builds a Connection Gateway Server.
func NewServer(registry *Registry, verifier *identity.Verifier, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		verifier: verifier,
		cfg:      cfg,
		log:      logger.With().Str("component", "gateway_server").Logger(),
	}
}

// Upgrade handles GET /:owner/:permlink, the WebSocket endpoint a document's collaborators connect
// to.
func (s *Server) Upgrade(c fiber.Ctx) error {
	id, err := document.ParseID(c.Params("owner") + "/" + c.Params("permlink"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "invalid document path")
	}

	if !fiberws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	queryPayload, hasQueryPayload := payloadFromQuery(c)

	return fiberws.New(func(conn *fiberws.Conn) {
		s.serve(conn.Conn, id, queryPayload, hasQueryPayload)
	})(c)
}

func payloadFromQuery(c fiber.Ctx) (authPayload, bool) {
	account := c.Query("account")
	if account == "" {
		return authPayload{}, false
	}
	return authPayload{
		Account:   account,
		Challenge: c.Query("challenge"),
		PubKey:    c.Query("pubkey"),
		Signature: c.Query("signature"),
	}, true
}

// serve drives one connection's handshake and, on success, its lifetime. It always closes conn
// before returning.
func (s *Server) serve(conn *websocket.Conn, id document.ID, queryPayload authPayload, hasQueryPayload bool) {
	if atomic.AddInt64(&s.connections, 1) > int64(s.cfg.GatewayMaxConnections) {
		atomic.AddInt64(&s.connections, -1)
		s.closeHandshake(conn, CloseServerProblem, "maximum connections reached")
		return
	}
	defer atomic.AddInt64(&s.connections, -1)

	handshakeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	payload := queryPayload
	if !hasQueryPayload {
		read, err := readAuthPayload(conn, s.cfg.HandshakeTimeout)
		if err != nil {
			s.closeHandshake(conn, CloseAuthFailure, err.Error())
			return
		}
		payload = read
	}

	account, authErr := s.verifyPayload(handshakeCtx, payload)
	if authErr != nil {
		s.closeHandshake(conn, CloseAuthFailure, authErr.Error())
		return
	}

	hub := s.registry.GetOrCreate(id)
	client := newClient(hub, conn, account, s.cfg.SlowConsumerWatermark, s.log)

	sess, syncFrame, err := hub.Attach(handshakeCtx, client, account)
	if err != nil {
		s.dropIfUnattached(id, hub)
		code := CloseServerProblem
		if errors.Is(err, ErrAuthenticationFailed) {
			code = CloseAuthFailure
		}
		s.closeHandshake(conn, code, err.Error())
		return
	}

	go client.writePump()
	client.Enqueue(syncFrame, false)
	client.readPump(sess)
}

// dropIfUnattached removes hub from the registry after a failed Attach, so a rejected or
// error'd handshake never leaks an empty hub for a document nobody ever joined. It only drops
// when the hub still has no live connections, since a concurrent caller may have attached to the
// same hub successfully in the meantime.
func (s *Server) dropIfUnattached(id document.ID, hub *Hub) {
	if hub.ActiveConnections() == 0 {
		s.registry.Drop(id, hub)
	}
}

func (s *Server) closeHandshake(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// readAuthPayload reads and decodes the first protocol message as a JSON authPayload, bounded by
// timeout.
func readAuthPayload(conn *websocket.Conn, timeout time.Duration) (authPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return authPayload{}, fmt.Errorf("read auth message: %w", err)
	}

	var payload authPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return authPayload{}, fmt.Errorf("decode auth message: %w", err)
	}
	return payload, nil
}

// verifyPayload checks payload's challenge and signature against the Identity Verifier, enforcing
// the challenge-format and clock-skew policy the Gateway owns rather than the Identity Verifier
// itself.
func (s *Server) verifyPayload(ctx context.Context, payload authPayload) (string, error) {
	if payload.Account == "" || payload.Challenge == "" || payload.Signature == "" {
		return "", &identity.AuthError{Kind: identity.AuthMissingFields, Msg: "missing required auth fields"}
	}

	seconds, err := strconv.ParseInt(payload.Challenge, 10, 64)
	if err != nil {
		return "", &identity.AuthError{Kind: identity.AuthBadChallengeFormat, Msg: "challenge must be an integer timestamp"}
	}

	signature, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return "", &identity.AuthError{Kind: identity.AuthBadChallengeFormat, Msg: "signature must be hex-encoded"}
	}

	challenge := identity.Challenge{
		Account:   payload.Account,
		Raw:       payload.Challenge,
		Timestamp: time.Unix(seconds, 0).UTC(),
	}

	if _, err := s.verifier.Verify(ctx, challenge, signature); err != nil {
		return "", err
	}
	return payload.Account, nil
}
