package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/store/sqlite"
	"github.com/iotgate/iotgate/internal/trust"
)

const maxBodyBytes = 1 << 20

type accessRequest struct {
	InstanceID string `json:"instance_id"`
	CertPEM    string `json:"cert_pem"`
}

// handleAccess runs the registration half of the two-phase handshake: the
// client proves who it wants to be, its certificate is registered under
// "identity/instance" in the role's trust store, and the response tells it
// where and how to connect.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	role, ok := parseRole(r.PathValue("role"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown gateway role")
		return
	}

	headerKey := "objId"
	if role == domain.RoleS2O {
		headerKey = "srvId"
	}
	identity := r.Header.Get(headerKey)
	if identity == "" {
		s.met.Registration(string(role), "denied")
		writeError(w, http.StatusBadRequest, domain.ErrMissingIdentityHeader.Error())
		return
	}

	var req accessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstanceID == "" || req.CertPEM == "" {
		writeError(w, http.StatusBadRequest, "instance_id and cert_pem are required")
		return
	}

	chain, err := trust.ParsePEM([]byte(req.CertPEM))
	if err != nil {
		s.met.Registration(string(role), "denied")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid certificate: %v", err))
		return
	}

	alias := identity + "/" + req.InstanceID
	if err := s.trust[role].RegisterCertificate(alias, chain...); err != nil {
		s.met.Registration(string(role), "error")
		writeError(w, http.StatusInternalServerError, "certificate registration failed")
		s.log.Error("trust registration failed", "alias", alias, "err", err)
		return
	}

	if err := s.persistRegistration(r, role, identity, req.CertPEM); err != nil {
		s.met.Registration(string(role), "error")
		writeError(w, http.StatusInternalServerError, "registration not persisted")
		s.log.Error("registration persist failed", "id", identity, "err", err)
		return
	}

	token, err := s.store.CreateConnectToken(r.Context(), sqlite.TokenClaims{
		Identity: identity,
		Instance: req.InstanceID,
		Role:     role,
	}, s.cfg.ConnectTokenTTL)
	if err != nil {
		s.met.Registration(string(role), "error")
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	info := s.gateways[role].AccessInfo()
	info.WSURL = fmt.Sprintf("wss://%s/v1/gateways/%s/ws?token=%s", r.Host, role, token)
	s.met.Registration(string(role), "ok")
	s.log.Info("access granted", "role", string(role), "id", identity, "instance", req.InstanceID)
	writeJSON(w, http.StatusOK, info)
}

// persistRegistration keeps the audit record for a registered identity.
// First-time objects get their permission set provisioned and a virtual
// placeholder tracked.
func (s *Server) persistRegistration(r *http.Request, role domain.GatewayRole, identity, certPEM string) error {
	ctx := r.Context()
	if role == domain.RoleS2O {
		rec, err := s.store.FindService(ctx, identity)
		if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}
		rec.ID = identity
		rec.CertPEM = certPEM
		if rec.Name == "" {
			rec.Name = r.Header.Get("name")
		}
		return s.store.SaveService(ctx, rec)
	}

	rec, err := s.store.FindObject(ctx, identity)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		rec = domain.ObjectRecord{
			ID:         identity,
			Name:       r.Header.Get("name"),
			OwnerUsrID: r.Header.Get("usrId"),
			CertPEM:    certPEM,
		}
		if err := s.store.SaveObject(ctx, rec); err != nil {
			return err
		}
		strategy := domain.GenStrategy(r.Header.Get("strategy"))
		if strategy == "" {
			strategy = domain.GenStandard
		}
		if _, err := s.store.GenerateObjectPermissions(ctx, identity, strategy); err != nil {
			return err
		}
		if s.registry != nil {
			s.registry.Track(rec)
		}
		return nil
	case err != nil:
		return err
	}

	rec.CertPEM = certPEM
	return s.store.SaveObject(ctx, rec)
}

// handleRegenerate assigns the object a fresh identity, keeping its
// permissions attached to the new ID. The old ID stops routing.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.RegenerateObjectID(r.Context(), id)
	if errors.Is(err, sqlite.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown object")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "regeneration failed")
		s.log.Error("id regeneration failed", "obj_id", id, "err", err)
		return
	}
	s.broker.InvalidatePermissions(id)
	s.broker.InvalidatePermissions(rec.ID)
	if s.registry != nil {
		s.registry.Forget(id)
		s.registry.Track(rec)
	}
	s.log.Info("object id regenerated", "old_id", id, "new_id", rec.ID)
	writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID, "old_id": rec.OldID})
}

type historyEntry struct {
	Component string    `json:"component"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.store.StatusHistoryByObj(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyEntry{Component: rec.Component, Payload: rec.Payload, CreatedAt: rec.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type allowedServiceEntry struct {
	SrvID string `json:"srv_id"`
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

func (s *Server) handleAllowedServices(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	allowed, err := s.broker.ObjectCloudAllowedServices(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "allowed services unavailable")
		return
	}
	out := make([]allowedServiceEntry, 0, len(allowed))
	for _, a := range allowed {
		out = append(out, allowedServiceEntry{SrvID: a.SrvID, Type: a.Type.String(), Scope: a.Scope.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

type permissionBody struct {
	ID    string `json:"id,omitempty"`
	SrvID string `json:"srv_id"`
	UsrID string `json:"usr_id"`
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

func permissionToBody(e domain.PermissionEntry) permissionBody {
	return permissionBody{
		ID:    e.ID,
		SrvID: e.SrvID,
		UsrID: e.UsrID,
		Type:  e.Type.String(),
		Scope: e.Scope.String(),
	}
}

func (s *Server) handlePermissionList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.store.PermissionsByObj(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "permissions unavailable")
		return
	}
	out := make([]permissionBody, 0, len(entries))
	for _, e := range entries {
		out = append(out, permissionToBody(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePermissionSave(w http.ResponseWriter, r *http.Request) {
	objID := r.PathValue("id")
	var body permissionBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ, ok := domain.ParsePermissionType(body.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown permission type %q", body.Type))
		return
	}
	scope, ok := domain.ParseConnScope(body.Scope)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", body.Scope))
		return
	}
	entry := domain.PermissionEntry{
		ID:    body.ID,
		ObjID: objID,
		SrvID: body.SrvID,
		UsrID: body.UsrID,
		Type:  typ,
		Scope: scope,
	}
	if err := s.store.SavePermission(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, "permission not saved")
		return
	}
	s.broker.InvalidatePermissions(objID)
	writeJSON(w, http.StatusOK, permissionToBody(entry))
}

type generateBody struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handlePermissionGenerate(w http.ResponseWriter, r *http.Request) {
	objID := r.PathValue("id")
	var body generateBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entries, err := s.store.GenerateObjectPermissions(r.Context(), objID, domain.GenStrategy(body.Strategy))
	if errors.Is(err, domain.ErrStrategyNotImplemented) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	s.broker.InvalidatePermissions(objID)
	out := make([]permissionBody, 0, len(entries))
	for _, e := range entries {
		out = append(out, permissionToBody(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePermissionDelete(w http.ResponseWriter, r *http.Request) {
	objID := r.PathValue("id")
	permID := r.PathValue("permID")
	if err := s.store.DeletePermission(r.Context(), permID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown permission")
			return
		}
		writeError(w, http.StatusInternalServerError, "permission not deleted")
		return
	}
	s.broker.InvalidatePermissions(objID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissionDuplicate(w http.ResponseWriter, r *http.Request) {
	objID := r.PathValue("id")
	permID := r.PathValue("permID")
	entry, err := s.store.DuplicatePermission(r.Context(), permID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown permission")
			return
		}
		writeError(w, http.StatusInternalServerError, "permission not duplicated")
		return
	}
	s.broker.InvalidatePermissions(objID)
	writeJSON(w, http.StatusOK, permissionToBody(entry))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	sessions := map[string]int{}
	for role, gw := range s.gateways {
		sessions[string(role)] = gw.SessionCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": sessions})
}
