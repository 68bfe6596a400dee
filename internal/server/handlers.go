package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stratamem/strata/internal/archival"
	"github.com/stratamem/strata/internal/backup"
	"github.com/stratamem/strata/internal/bank"
	"github.com/stratamem/strata/internal/deletion"
	"github.com/stratamem/strata/internal/model"
	"github.com/stratamem/strata/internal/retrieval"
	"github.com/stratamem/strata/internal/store"
)

// writeDomainError maps the model error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, model.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, "policy_violation", err.Error())
	case errors.Is(err, model.ErrIntegrityFailure):
		writeError(w, http.StatusConflict, "integrity_failure", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleMemoryCreate(w http.ResponseWriter, r *http.Request) {
	var req bank.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mem, err := s.bank.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Project: q.Get("project"),
		Search:  q.Get("search"),
		Limit:   intParam(q.Get("limit"), 50),
		Offset:  intParam(q.Get("offset"), 0),
	}
	for _, st := range splitParam(q.Get("state")) {
		f.States = append(f.States, model.State(st))
	}
	for _, t := range splitParam(q.Get("type")) {
		f.Types = append(f.Types, model.Type(t))
	}
	f.Tags = splitParam(q.Get("tag"))

	res, err := s.bank.Query(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories": res.Items,
		"total":    res.TotalCount,
	})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	mem, err := s.bank.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleMemoryUpdate(w http.ResponseWriter, r *http.Request) {
	var patch store.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	mem, err := s.bank.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleMemoryAccess(w http.ResponseWriter, r *http.Request) {
	if err := s.bank.RecordAccess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var q retrieval.Query
	if !decodeBody(w, r, &q) {
		return
	}
	scored, err := s.bank.Retrieve(r.Context(), q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": scored, "count": len(scored)})
}

type deleteRequest struct {
	Strategy deletion.Strategy `json:"strategy"`
	Force    bool              `json:"force,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		req.Strategy = deletion.StrategySoft
	}
	rec, err := s.bank.Delete(r.Context(), chi.URLParam(r, "id"), req.Strategy,
		deletion.Options{Force: req.Force, Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		if rec != nil && errors.Is(err, model.ErrPolicyViolation) {
			writeJSON(w, http.StatusUnprocessableEntity, rec)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteValidate(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		req.Strategy = deletion.StrategySoft
	}
	result, err := s.bank.ValidateDeletion(r.Context(), chi.URLParam(r, "id"), req.Strategy,
		deletion.Options{Force: req.Force, Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeletionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"deletions": s.bank.Deletion().Records()})
}

func (s *Server) handleDeletionGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bank.Deletion().Record(chi.URLParam(r, "op"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletionRecover(w http.ResponseWriter, r *http.Request) {
	mem, err := s.bank.RecoverDeleted(r.Context(), chi.URLParam(r, "op"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

type archiveRequest struct {
	Tier   archival.Tier `json:"tier,omitempty"`
	Actor  string        `json:"actor,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.bank.Archive(r.Context(), chi.URLParam(r, "id"), req.Tier,
		archival.Options{Actor: req.Actor, Trigger: archival.TriggerManual})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArchiveRestore(w http.ResponseWriter, r *http.Request) {
	mem, err := s.bank.RestoreArchived(r.Context(), chi.URLParam(r, "op"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := archival.SearchQuery{
		Text:   q.Get("text"),
		Tags:   splitParam(q.Get("tag")),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	for _, tier := range splitParam(q.Get("tier")) {
		sq.Tiers = append(sq.Tiers, archival.Tier(tier))
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "from must be RFC3339")
			return
		}
		sq.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "to must be RFC3339")
			return
		}
		sq.To = t
	}

	res, err := s.bank.Archival().SearchArchives(r.Context(), sq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": s.bank.Archival().Policies()})
}

func (s *Server) handlePolicyRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.bank.Archival().RunPolicies(r.Context(), archival.TriggerManual)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type backupCreateRequest struct {
	Kind         backup.Kind `json:"kind,omitempty"`
	BaseBackupID string      `json:"base_backup_id,omitempty"`
	Description  string      `json:"description,omitempty"`
	Creator      string      `json:"creator,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
}

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request) {
	var req backupCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	meta := backup.Metadata{Description: req.Description, Creator: req.Creator, Tags: req.Tags}

	var rec *backup.Record
	var err error
	if req.Kind == backup.KindIncremental {
		if req.BaseBackupID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "incremental backup requires base_backup_id")
			return
		}
		rec, err = s.bank.CreateIncrementalBackup(r.Context(), req.BaseBackupID, meta)
	} else {
		rec, err = s.bank.CreateBackup(r.Context(), meta)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backups": s.bank.Backups().Records()})
}

func (s *Server) handleBackupGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bank.Backups().Record(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBackupValidate(w http.ResponseWriter, r *http.Request) {
	result, err := s.bank.Backups().Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type backupRestoreRequest struct {
	Mode                  backup.RestoreMode    `json:"mode,omitempty"`
	Filter                *backup.RestoreFilter `json:"filter,omitempty"`
	PointInTime           *time.Time            `json:"point_in_time,omitempty"`
	OverwriteExisting     bool                  `json:"overwrite_existing,omitempty"`
	ValidateAfterRecovery bool                  `json:"validate_after_recovery,omitempty"`
	CreateRecoveryPoint   bool                  `json:"create_recovery_point,omitempty"`
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	var req backupRestoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.bank.RestoreBackup(r.Context(), chi.URLParam(r, "id"), backup.RestoreOptions{
		Mode:                  req.Mode,
		Filter:                req.Filter,
		PointInTime:           req.PointInTime,
		OverwriteExisting:     req.OverwriteExisting,
		ValidateAfterRecovery: req.ValidateAfterRecovery,
		CreateRecoveryPoint:   req.CreateRecoveryPoint,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBackupCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.bank.Backups().Cleanup(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bank.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
