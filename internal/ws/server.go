package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flash-sandbox/backend/internal/auth"
	"github.com/flash-sandbox/backend/internal/config"
	"github.com/flash-sandbox/backend/internal/session"
	"github.com/flash-sandbox/backend/internal/store"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	cfg            *config.Config
	registry       *session.Registry
	store          *store.Store
	verifier       auth.Verifier
	startedAt      time.Time
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg *config.Config, registry *session.Registry, st *store.Store, verifier auth.Verifier) *Server {
	s := &Server{
		cfg:            cfg,
		registry:       registry,
		store:          st,
		verifier:       verifier,
		startedAt:      time.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Router builds the HTTP surface: the WebSocket attach endpoint, the
// sandbox API and the health check.
func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()

	router.GET("/ws/:name", s.handleWS)

	router.GET("/api/sandboxes", s.handleList)
	router.POST("/api/sandboxes", s.handleCreate)
	router.GET("/api/sandboxes/:name/access", s.handleAccess)
	router.POST("/api/sandboxes/:name/share", s.handleShare)
	router.DELETE("/api/sandboxes/:name", s.handleDelete)

	router.GET("/health", s.handleHealth)

	return router
}

// handleWS authorizes the connection, attaches it to the sandbox's session
// and runs the read loop until the transport closes. Every rejection
// happens before any session is created or touched.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	token := r.URL.Query().Get("token")
	if name == "" || token == "" {
		http.Error(w, "Token manquant", http.StatusUnauthorized)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			http.Error(w, "Token invalide", http.StatusUnauthorized)
		} else {
			log.Printf("[ws] verify error: %v", err)
			http.Error(w, "Erreur serveur", http.StatusInternalServerError)
		}
		return
	}

	sb, err := s.store.SandboxByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Sandbox introuvable", http.StatusNotFound)
		} else {
			log.Printf("[ws] sandbox lookup error: %v", err)
			http.Error(w, "Erreur serveur", http.StatusInternalServerError)
		}
		return
	}

	if sb.OwnerID != identity.ID {
		shared, err := s.store.HasShare(r.Context(), sb.ID, identity.ID)
		if err != nil {
			log.Printf("[ws] share lookup error: %v", err)
			http.Error(w, "Erreur serveur", http.StatusInternalServerError)
			return
		}
		if !shared {
			http.Error(w, "Accès refusé", http.StatusForbidden)
			return
		}
	}

	// Display identity is fixed at attach time; fall back to the account
	// email when no profile username is provisioned yet.
	username, err := s.store.UsernameByID(r.Context(), identity.ID)
	if err != nil {
		username = identity.Email
	}
	editor := "@" + username

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	sess := s.registry.GetOrCreate(name, sb.OwnerID)
	c := newClient(conn)
	sess.Attach(c)
	log.Printf("[ws] %s attached to %s (%d users)", editor, name, sess.ViewerCount())

	s.readLoop(conn, c, sess, editor)

	sess.Detach(c)
	c.shutdown()
	log.Printf("[ws] %s detached from %s (%d users)", editor, name, sess.ViewerCount())
}

func (s *Server) readLoop(conn *websocket.Conn, c *client, sess *session.Session, editor string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[ws] malformed message from %s: %v", editor, err)
			continue
		}

		switch msg.Type {
		case msgEdit:
			if err := sess.ApplyEdit(msg.Content, editor); err != nil {
				if errors.Is(err, session.ErrContentTooLarge) {
					reply, _ := json.Marshal(session.ErrorMessage{
						Type:    session.MsgError,
						Message: "Contenu trop volumineux (max 256 KB)",
					})
					c.Deliver(reply)
				}
			}
		case msgClear:
			sess.ApplyClear(editor)
		default:
			log.Printf("[ws] unknown message type %q from %s", msg.Type, editor)
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, handler)
}
