// Package broadcaster implements the Permission Broadcaster (component G): the internal,
// shared-secret-protected HTTP surface that lets the rest of the system push a permission change
// or a document deletion into a live Hub without dropping any connected session.
package broadcaster

import (
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/gateway"
	"github.com/inkwell-collab/inkwell-server/internal/httputil"
	"github.com/inkwell-collab/inkwell-server/internal/permission"
)

// Server is the Permission Broadcaster's HTTP handler set, registered on its own port
// (config.BroadcastPort) separate from the public WebSocket gateway.
type Server struct {
	registry  *gateway.Registry
	resolver  *permission.Resolver
	secret    string
	startedAt time.Time
	log       zerolog.Logger
}

// NewServer builds a Permission Broadcaster. secret is the shared value every request must
// present in the x-internal-auth header.
func NewServer(registry *gateway.Registry, resolver *permission.Resolver, secret string, logger zerolog.Logger) *Server {
	return &Server{
		registry:  registry,
		resolver:  resolver,
		secret:    secret,
		startedAt: time.Now(),
		log:       logger.With().Str("component", "broadcaster").Logger(),
	}
}

// RequireSharedSecret is middleware enforcing the x-internal-auth header against the configured
// shared secret in constant time.
func (s *Server) RequireSharedSecret(c fiber.Ctx) error {
	provided := c.Get("x-internal-auth")
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorised, "missing or invalid x-internal-auth header")
	}
	return c.Next()
}

type permissionChangeRequest struct {
	Owner          string `json:"owner"`
	Permlink       string `json:"permlink"`
	TargetAccount  string `json:"targetAccount"`
	PermissionType string `json:"permissionType"`
	GrantedBy      string `json:"grantedBy"`
}

type permissionChangeResponse struct {
	Success   bool `json:"success"`
	Broadcast bool `json:"broadcast"`
}

// PermissionChange handles POST /broadcast/permission-change.
func (s *Server) PermissionChange(c fiber.Ctx) error {
	var req permissionChangeRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "malformed request body")
	}

	if req.Owner == "" || req.Permlink == "" || req.TargetAccount == "" || req.PermissionType == "" || req.GrantedBy == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "owner, permlink, targetAccount, permissionType, and grantedBy are required")
	}
	level := permission.Level(req.PermissionType)
	if !level.Valid() {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "permissionType is not a recognized level")
	}

	if err := s.resolver.Upsert(c, req.Owner, req.Permlink, req.TargetAccount, level, req.GrantedBy); err != nil {
		s.log.Error().Err(err).Str("owner", req.Owner).Str("permlink", req.Permlink).Msg("permission upsert failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "failed to persist permission change")
	}

	id := document.ID{Owner: req.Owner, Permlink: req.Permlink}
	hub, live := s.registry.Get(id)
	if !live {
		return httputil.Success(c, permissionChangeResponse{Success: true, Broadcast: false})
	}

	if err := hub.IngestPermissionUpdate(gateway.PermissionUpdate{
		TargetAccount: req.TargetAccount,
		Level:         level,
		GrantedBy:     req.GrantedBy,
	}); err != nil {
		s.log.Error().Err(err).Str("document", id.String()).Msg("permission broadcast failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.InternalError, "failed to broadcast permission change")
	}

	return httputil.Success(c, permissionChangeResponse{Success: true, Broadcast: true})
}

type documentDeletionRequest struct {
	Owner    string `json:"owner"`
	Permlink string `json:"permlink"`
}

// DocumentDeletion handles POST /broadcast/document-deletion: it force-closes every live
// connection for the document with close code 1000.
func (s *Server) DocumentDeletion(c fiber.Ctx) error {
	var req documentDeletionRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "malformed request body")
	}
	if req.Owner == "" || req.Permlink == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "owner and permlink are required")
	}

	id := document.ID{Owner: req.Owner, Permlink: req.Permlink}
	hub, live := s.registry.Get(id)
	if live {
		hub.Shutdown(gateway.CloseNormal, "document deleted")
	}

	return httputil.Success(c, struct {
		Success bool `json:"success"`
	}{Success: true})
}

type healthResponse struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"activeConnections"`
	ActiveDocuments   int    `json:"activeDocuments"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
}

// Health handles GET /broadcast/health. Unlike the other two endpoints, it is not gated behind
// RequireSharedSecret, so monitoring can probe it without carrying the shared secret.
func (s *Server) Health(c fiber.Ctx) error {
	return httputil.Success(c, healthResponse{
		Status:            "ok",
		ActiveConnections: s.registry.TotalConnections(),
		ActiveDocuments:   s.registry.Len(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
	})
}

// RegisterRoutes mounts the broadcaster's handlers on app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/broadcast/health", s.Health)
	app.Post("/broadcast/permission-change", s.RequireSharedSecret, s.PermissionChange)
	app.Post("/broadcast/document-deletion", s.RequireSharedSecret, s.DocumentDeletion)
}
