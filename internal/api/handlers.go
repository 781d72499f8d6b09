package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/broker"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.sessions != nil {
		active = s.sessions.Active()
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions: active,
		Backends:       s.kinds,
	})
}

// handleTree handles GET /api/v1/files/tree. A workspace that is not
// running yet yields an empty tree and its status so callers can poll.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r, workspace.Owner{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.registry.Lookup(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := TreeResponse{Files: []*broker.Node{}, WorkspaceStatus: ws.State}
	if ws.State == workspace.StateRunning {
		files, err := s.files.ListTree(r.Context(), ws, r.URL.Query().Get("dir"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if files != nil {
			resp.Files = files
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleReadFile handles GET /api/v1/files/content
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		s.writeError(w, r, errors.InvalidArgument("path is required"))
		return
	}
	ws, err := s.running(r, workspace.Owner{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := s.files.ReadFile(r.Context(), ws, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, encodeContent(content))
}

// handleSaveFile handles PUT /api/v1/files/content
func (s *Server) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	var req SaveFileRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, errors.InvalidArgument("path is required"))
		return
	}
	ws, err := s.running(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := decodeContent(req.Content, req.Encoding)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.WriteFile(r.Context(), ws, req.Path, content); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "saved"})
}

// handleCreateFolder handles POST /api/v1/files/folder
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, errors.InvalidArgument("path is required"))
		return
	}
	ws, err := s.running(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.Mkdir(r.Context(), ws, req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "created"})
}

// handleDelete handles POST /api/v1/files/delete. Directories are only
// removed with their contents when is_directory is set.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, errors.InvalidArgument("path is required"))
		return
	}
	ws, err := s.running(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.Delete(r.Context(), ws, req.Path, req.IsDirectory); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// handleRename handles POST /api/v1/files/rename
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.OldPath == "" || req.NewPath == "" {
		s.writeError(w, r, errors.InvalidArgument("old_path and new_path are required"))
		return
	}
	ws, err := s.running(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.Rename(r.Context(), ws, req.OldPath, req.NewPath); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "renamed"})
}

// handleExec handles POST /api/v1/exec. A non-zero exit is a successful
// call; only failure to run the command is an error.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.running(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.files.Exec(r.Context(), ws, req.Command)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ExecResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}

// handleWorkspaceInfo handles GET /api/v1/workspace
func (s *Server) handleWorkspaceInfo(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r, workspace.Owner{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.registry.Lookup(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.info(r.Context(), ws))
}

// handleEnsureWorkspace handles POST /api/v1/workspace. It creates the
// record if needed and blocks until the workspace is running or
// provisioning fails.
func (s *Server) handleEnsureWorkspace(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := ownerFrom(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	kindName := req.Kind
	if kindName == "" {
		kindName = r.URL.Query().Get("kind")
	}
	kind := s.defaultKind
	if kindName != "" {
		kind, err = workspace.ParseKind(kindName)
		if err != nil {
			s.writeError(w, r, errors.InvalidArgument(err.Error()))
			return
		}
	}
	image := req.Image
	if image == "" {
		image = r.URL.Query().Get("image")
	}

	ws, err := s.registry.ResolveOrCreate(r.Context(), owner, kind, image)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err = s.provisioner.EnsureRunning(r.Context(), ws)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.info(r.Context(), ws))
}

// handleDeleteWorkspace handles DELETE /api/v1/workspace
func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r, workspace.Owner{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	preserve := false
	if v := r.URL.Query().Get("preserve_data"); v != "" {
		preserve, err = strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, errors.InvalidArgument("preserve_data must be a boolean"))
			return
		}
	}

	ws, err := s.registry.Lookup(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.registry.Delete(r.Context(), ws.ID, preserve); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// handleTerminal handles GET /api/v1/terminal. An owner without a
// workspace is refused before the upgrade; later failures are reported to
// the client as control frames.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r, workspace.Owner{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.registry.Lookup(r.Context(), owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	size := runtime.TermSize{
		Cols: parseDimension(r.URL.Query().Get("cols"), 80),
		Rows: parseDimension(r.URL.Query().Get("rows"), 24),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if s.maxMessage > 0 {
		conn.SetReadLimit(s.maxMessage)
	}

	if err := s.sessions.Serve(r.Context(), owner, conn, size); err != nil {
		s.logger.Debug("terminal session ended with error", "owner", owner.Key(), "error", err)
	}
}

// info describes ws. App status is only probed for a running workspace
// and omitted when the probe fails.
func (s *Server) info(ctx context.Context, ws *workspace.Workspace) WorkspaceResponse {
	resp := WorkspaceResponse{
		ID:          ws.ID,
		Namespace:   ws.Namespace,
		BackingKind: ws.Kind,
		Status:      ws.State,
		Image:       ws.Image,
	}
	if ws.State != workspace.StateRunning {
		return resp
	}
	resp.AccessURL = ws.Exposure.AccessURL

	status, err := s.files.AppStatus(ctx, ws)
	if err != nil {
		s.logger.Debug("app status unavailable", "namespace", ws.Namespace, "error", err)
		return resp
	}
	running := status.Running
	resp.AppRunning = &running
	resp.AppPort = status.Port
	if status.AccessURL != "" {
		resp.AccessURL = status.AccessURL
	}
	return resp
}

// running resolves the caller's workspace and requires it to be running.
func (s *Server) running(r *http.Request, body workspace.Owner) (*workspace.Workspace, error) {
	owner, err := ownerFrom(r, body)
	if err != nil {
		return nil, err
	}
	return s.registry.Require(r.Context(), owner)
}

// ownerFrom reads the owner from the query string, falling back to the
// request body.
func ownerFrom(r *http.Request, body workspace.Owner) (workspace.Owner, error) {
	q := r.URL.Query()
	owner := workspace.Owner{ProjectID: q.Get("project_id"), ConversationID: q.Get("conversation_id")}
	if owner.ProjectID == "" && owner.ConversationID == "" {
		owner = body
	}
	if err := owner.Validate(); err != nil {
		return owner, errors.InvalidArgument(err.Error())
	}
	return owner, nil
}

func parseDimension(v string, def uint16) uint16 {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint16(n)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidArgument("invalid JSON body: " + err.Error())
	}
	return nil
}

// decodeOptionalBody is decodeBody for calls whose body may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || err == io.EOF {
		return nil
	}
	return errors.InvalidArgument("invalid JSON body: " + err.Error())
}

// encodeContent returns file content as UTF-8 text when it is valid text
// and as base64 otherwise.
func encodeContent(data []byte) ContentResponse {
	if utf8.Valid(data) {
		return ContentResponse{Content: string(data), Encoding: EncodingUTF8}
	}
	return ContentResponse{Content: base64.StdEncoding.EncodeToString(data), Encoding: EncodingBase64}
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingUTF8:
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, errors.InvalidArgument("content is not valid base64: " + err.Error())
		}
		return data, nil
	}
	return nil, errors.InvalidArgument("unknown content encoding " + strconv.Quote(encoding))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err to its HTTP status. Only the kind, the message and
// the transport attempts reach the client; causes are logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := ErrorBody{Kind: string(errors.KindOf(err)), Message: "internal error"}

	var fe *errors.ForageError
	if errors.As(err, &fe) {
		body.Message = fe.Message
		for _, a := range fe.Attempts {
			at := Attempt{Transport: a.Transport}
			if a.Err != nil {
				at.Error = a.Err.Error()
			}
			body.Attempts = append(body.Attempts, at)
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", body.Kind, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "kind", body.Kind, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: body})
}

// writeStatus writes an error that has no ForageError kind.
func (s *Server) writeStatus(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Kind: kind, Message: message}})
}
