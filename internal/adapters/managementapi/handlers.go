package managementapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListPendingDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type adminNoteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req adminNoteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.onboard.Approve(r.Context(), deviceID, req.Note); err != nil {
		writeError(w, err)
		return
	}
	s.orch.Reevaluate(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "profiling"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	var req adminNoteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.onboard.Reject(r.Context(), deviceID, req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// handleRevoke implements the single revoke_device operation called out in
// §9: flips status, revokes the certificate and re-triggers the
// Orchestrator so the device fails closed immediately. The steps run one
// after another without a transaction; if certificate revocation fails,
// the status change already made stays in place.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	if err := s.store.SetStatus(r.Context(), deviceID, domain.StatusRevoked); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ca.Revoke(r.Context(), deviceID, "administrative revocation"); err != nil {
		writeError(w, err)
		return
	}
	s.bus.Publish(r.Context(), domain.TopicDeviceStatusChanged, domain.DeviceStatusChangedEvent{
		DeviceID: deviceID, New: domain.StatusRevoked, Timestamp: time.Now(),
	})
	s.orch.Reevaluate(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleReactivate is the explicit administrator action §4.10 requires to
// recover a device out of QUARANTINE: the orchestrator's automatic
// re-evaluation never does this on its own. It flips the device back to
// active and lets the orchestrator recompute its decision from current
// trust/alert state, still subject to the usual hysteresis and recovery-
// window gates.
func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if device.Status != domain.StatusQuarantined {
		writeError(w, &domain.ConflictError{Reason: "device is not quarantined"})
		return
	}
	if err := s.store.SetStatus(r.Context(), deviceID, domain.StatusActive); err != nil {
		writeError(w, err)
		return
	}
	s.bus.Publish(r.Context(), domain.TopicDeviceStatusChanged, domain.DeviceStatusChangedEvent{
		DeviceID: deviceID, Old: domain.StatusQuarantined, New: domain.StatusActive, Timestamp: time.Now(),
	})
	s.orch.Reactivate(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleGetTrustScore(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	score, err := s.trust.Get(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"trust_score": score})
}

func (s *Server) handleGetTrustHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	history, err := s.store.TrustHistory(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	policy, err := s.store.GetPolicy(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	baseline, err := s.store.GetBaseline(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

// handleFinalizeOnboarding implements the explicit finalize command (§4.3):
// the dashboard can end a device's profiling window early. Observations
// already accumulated in the Onboarding Coordinator's in-memory buffer are
// used, exactly as the 30s background watcher would use them at the
// window's natural expiry.
func (s *Server) handleFinalizeOnboarding(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if err := s.onboard.Finalize(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	s.orch.Reevaluate(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleDecisionsAudit(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since_ts"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	audits, err := s.store.DecisionsAudit(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

func (s *Server) handleDecisionsAuditPDF(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since_ts"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	audits, err := s.store.DecisionsAudit(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	pdf, err := s.report.RenderPDF(audits)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="decisions-audit.pdf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// handleTopology implements get_topology (§6): revoked and quarantined
// devices stay in the listing but are never reported connected, per the
// spec's fixed resolution of the source's two conflicting variants (§9).
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]domain.TopologyEntry, 0, len(devices))
	for _, d := range devices {
		decision, _ := s.store.LastInstalledDecision(r.Context(), d.DeviceID)
		connected := d.Status != domain.StatusRevoked && d.Status != domain.StatusQuarantined && decision == domain.DecisionAllow
		entries = append(entries, domain.TopologyEntry{
			DeviceID:        d.DeviceID,
			MAC:             d.MAC,
			Status:          d.Status,
			LastSeen:        d.LastSeen,
			CurrentDecision: decision,
			Connected:       connected,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core's typed error taxonomy (§7) onto HTTP status
// codes; anything unrecognized is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *domain.NotFoundError:
		status = http.StatusNotFound
	case *domain.ConflictError:
		status = http.StatusConflict
	case *domain.AttestationFailedError:
		status = http.StatusConflict
	case *domain.SwitchRuleRejectedError:
		status = http.StatusConflict
	case *domain.PolicyViolationError:
		status = http.StatusForbidden
	case *domain.ConfigError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
