package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/lifecycle"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/problem"
	"github.com/pavelanni/grader/internal/store"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeBadRequest(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Error: "username and password required"})
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Error: "unknown role " + string(req.Role)})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Code: "conflict", Error: "failed to create user: " + err.Error()})
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeBadRequest(w, r, err)
		return
	}

	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Error: appI18n.T(r.Context(), "UserNotFound")})
			return
		}
		h.writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		h.writeError(w, r, fmt.Errorf("reload user %d: %w", id, err))
		return
	}
	slog.Info("toggled user active", "id", id, "active", user.Active)
	writeJSON(w, http.StatusOK, user)
}

// handleUploadProblem imports a problem XML file. The problem id is the
// "id" form field, or the file name without extension.
func (h *Handler) handleUploadProblem(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		h.writeBadRequest(w, r, err)
		return
	}

	file, header, err := r.FormFile("problem_file")
	if err != nil {
		h.writeBadRequest(w, r, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])
	storedHash, err := h.store.GetImportedFileHash(r.Context(), header.Filename)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if storedHash == hash {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "imported": false, "message": appI18n.T(r.Context(), "UploadDuplicate")})
		return
	}

	def, err := problem.LoadDefinition(bytes.NewReader(data), h.loader())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:  "invalid_definition",
			Error: appI18n.Td(r.Context(), "InvalidDefinition", map[string]any{"Error": err.Error()}),
		})
		return
	}

	err = h.store.UpsertProblem(r.Context(), model.ProblemRecord{ID: id, Name: def.Name, Source: string(data)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.SetImportedFileHash(r.Context(), header.Filename, hash); err != nil {
		slog.Error("failed to record import", "error", err)
	}

	slog.Info("uploaded problem via admin", "filename", header.Filename, "id", id, "responses", len(def.Responses))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "imported": true})
}

func (h *Handler) handleListStudentStates(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.ListStates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []model.StateRecord{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportStates(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// staffMutate runs fn as the current staff user on a student's state.
func (h *Handler) staffMutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, c *lifecycle.Controller, staff lifecycle.Actor) (any, error)) {
	ctx := r.Context()
	staff := model.UserFromContext(ctx)
	id := chi.URLParam(r, "id")
	studentID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeBadRequest(w, r, err)
		return
	}
	student, err := h.store.GetUserByID(ctx, studentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if student == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Error: appI18n.T(ctx, "UserNotFound")})
		return
	}

	defer h.lockState(id, studentID)()
	_, c, err := h.openProblem(ctx, id, studentID, student.Actor())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer c.Close()

	out, err := fn(ctx, c, staff.Actor())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.persist(ctx, id, studentID, c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleStaffReset(w http.ResponseWriter, r *http.Request) {
	h.staffMutate(w, r, func(ctx context.Context, c *lifecycle.Controller, staff lifecycle.Actor) (any, error) {
		fields, err := c.ClearAttempts(ctx, staff)
		if err != nil {
			return nil, err
		}
		return map[string]any{"fields": fields, "attempts": c.Attempts()}, nil
	})
}

func (h *Handler) handleStaffRescore(w http.ResponseWriter, r *http.Request) {
	h.staffMutate(w, r, func(ctx context.Context, c *lifecycle.Controller, staff lifecycle.Actor) (any, error) {
		return c.Rescore(ctx, staff)
	})
}
