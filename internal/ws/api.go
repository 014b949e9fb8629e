package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/flash-sandbox/backend/internal/auth"
	"github.com/flash-sandbox/backend/internal/store"
	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v3/process"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// authenticate resolves the caller's identity from the Authorization header.
// On failure it writes the rejection and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Token manquant")
		return auth.Identity{}, false
	}

	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "Token invalide")
		} else {
			log.Printf("[api] verify error: %v", err)
			writeError(w, http.StatusInternalServerError, "Erreur d'authentification")
		}
		return auth.Identity{}, false
	}
	return identity, true
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(strings.TrimSpace(req.Name)) < 3 {
		writeError(w, http.StatusBadRequest, "Nom invalide (min 3 caractères)")
		return
	}

	name := store.NormalizeName(req.Name)
	sb, err := s.store.CreateSandbox(r.Context(), name, identity.ID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "Ce nom existe déjà")
			return
		}
		log.Printf("[api] create error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur lors de la création")
		return
	}

	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	list, err := s.store.ListVisible(r.Context(), identity.ID)
	if err != nil {
		log.Printf("[api] list error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}
	if list == nil {
		list = []*store.Sandbox{}
	}

	writeJSON(w, http.StatusOK, list)
}

type accessResponse struct {
	Access bool   `json:"access"`
	Role   string `json:"role"`
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	sb, err := s.store.SandboxByName(r.Context(), ps.ByName("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Sandbox introuvable")
			return
		}
		log.Printf("[api] access error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	if sb.OwnerID == identity.ID {
		writeJSON(w, http.StatusOK, accessResponse{Access: true, Role: "owner"})
		return
	}

	shared, err := s.store.HasShare(r.Context(), sb.ID, identity.ID)
	if err != nil {
		log.Printf("[api] access error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}
	if !shared {
		writeError(w, http.StatusForbidden, "Accès refusé")
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{Access: true, Role: "viewer"})
}

type shareRequest struct {
	Email string `json:"email"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Email invalide")
		return
	}

	sb, err := s.store.SandboxByName(r.Context(), ps.ByName("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Sandbox introuvable")
			return
		}
		log.Printf("[api] share error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	if sb.OwnerID != identity.ID {
		writeError(w, http.StatusForbidden, "Seul le propriétaire peut partager")
		return
	}

	granteeID, err := s.store.ProfileIDByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Utilisateur introuvable")
			return
		}
		log.Printf("[api] share error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	if granteeID == identity.ID {
		writeError(w, http.StatusBadRequest, "Vous ne pouvez pas vous partager à vous-même")
		return
	}

	if err := s.store.CreateShare(r.Context(), sb.ID, granteeID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "Déjà partagé avec cet utilisateur")
			return
		}
		log.Printf("[api] share error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur lors du partage")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "Sandbox partagée avec succès"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	name := ps.ByName("name")
	sb, err := s.store.SandboxByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Sandbox introuvable")
			return
		}
		log.Printf("[api] delete error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	if sb.OwnerID != identity.ID {
		writeError(w, http.StatusForbidden, "Seul le propriétaire peut supprimer")
		return
	}

	if err := s.store.DeleteSandbox(r.Context(), sb.ID); err != nil {
		log.Printf("[api] delete error: %v", err)
		writeError(w, http.StatusInternalServerError, "Erreur lors de la suppression")
		return
	}

	// Drop the live session last: viewers are force-disconnected and the
	// expiry timer is cancelled.
	s.registry.Delete(name)

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime"`
	Sandboxes int       `json:"sandboxes"`
	MemoryRSS uint64    `json:"memoryRss,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startedAt).Seconds(),
		Sandboxes: s.registry.Len(),
		Timestamp: time.Now().UTC(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.MemoryRSS = mem.RSS
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
