package api

import (
	"net/http"
	"strconv"

	"StableTool/internal/agent"
	"StableTool/internal/auth"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/registry"
)

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Chains != nil {
		body["chains"] = s.deps.Chains.Snapshots(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Agent.Chat(r.Context(), agent.ChatRequest{
		AccountID: subject.AccountID,
		Message:   req.Message,
		Model:     req.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		limit = parsed
	}
	convs, err := s.deps.Agent.History(r.Context(), subject.AccountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConversationViews(convs))
}

func (s *Server) handleSubmitTool(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	var draft registry.Draft
	if err := decodeJSON(w, r, &draft); err != nil {
		s.writeError(w, r, err)
		return
	}
	tool, err := s.deps.Registry.Submit(r.Context(), subject.AccountID, draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newToolView(tool))
}

func (s *Server) handleMyTools(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	tools, err := s.deps.Registry.ListByOwner(r.Context(), subject.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newToolViews(tools))
}

func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch registry.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	tool, err := s.deps.Registry.Update(r.Context(), subject.AccountID, id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newToolView(tool))
}

func (s *Server) handleDeactivateTool(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.Deactivate(r.Context(), subject.AccountID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.deps.Registry.Pending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newToolViews(tools))
}

func (s *Server) handleApproveTool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tool, err := s.deps.Registry.Approve(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newToolView(tool))
}

func (s *Server) handleRejectTool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.Reject(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	summary, err := s.deps.Ledger.Earnings(r.Context(), subject.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(summary))
}

func (s *Server) handleSpending(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	summary, err := s.deps.Ledger.Spending(r.Context(), subject.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(summary))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	account, err := s.deps.Accounts.FindAccount(r.Context(), subject.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.deps.Ledger.Balance(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Address: balance.Address,
		Balance: balance.Amount,
		Token:   s.cfg.TokenSymbol,
		Source:  balance.Source,
	})
}

// admin 要求调用方具有管理员声明。
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.SubjectFromContext(r.Context()).RequireAdmin(); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "invalid tool id")
	}
	return id, nil
}
