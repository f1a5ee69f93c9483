package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/botrun"
)

// maxLineBytes bounds one protocol message.
const maxLineBytes = 4 << 20

// Server accepts local stream connections and dispatches bot and
// service methods against the run manager.
type Server struct {
	socketPath     string
	serviceVersion string
	mgr            *botrun.Manager
	ln             net.Listener
}

// NewServer creates an IPC server over the run manager.
func NewServer(socketPath, serviceVersion string, mgr *botrun.Manager) *Server {
	return &Server{socketPath: socketPath, serviceVersion: serviceVersion, mgr: mgr}
}

// Listen binds the socket, replacing any stale file from a previous
// process.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.ln = ln
	log.Info().Str("socket", s.socketPath).Msg("ipc server listening")
	return nil
}

// Serve accepts connections until the context is cancelled. Listen must
// have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server is not listening")
	}
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close tears down the listener and removes the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mgr.ConnectionOpened()
	defer s.mgr.ConnectionClosed()
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	if !s.handshake(scanner, enc) {
		return
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			writeError(enc, nil, CodeInvalidRequest, "malformed request: "+err.Error())
			continue
		}
		s.dispatch(ctx, enc, req)
	}
}

// handshake enforces the hello-first rule with an exact protocol
// version match. Incompatible clients get an error and the connection
// is closed.
func (s *Server) handshake(scanner *bufio.Scanner, enc *json.Encoder) bool {
	if !scanner.Scan() {
		return false
	}
	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.Method != "hello" {
		writeError(enc, req.ID, CodeInvalidRequest, "first message must be hello")
		return false
	}
	var params HelloParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad hello params: "+err.Error())
		return false
	}
	if params.ProtocolVersion != ProtocolVersion {
		writeError(enc, req.ID, CodeInvalidRequest,
			fmt.Sprintf("protocol version %q not supported, want %q", params.ProtocolVersion, ProtocolVersion))
		return false
	}
	writeResult(enc, req.ID, HelloResult{
		ProtocolVersion: ProtocolVersion,
		ServiceVersion:  s.serviceVersion,
		Capabilities:    []string{"bot.run", "bot.status", "bot.show", "bot.runs", "bot.cancel", "service.status", "service.doctor"},
	})
	return true
}

func (s *Server) dispatch(ctx context.Context, enc *json.Encoder, req Request) {
	switch req.Method {
	case "bot.run":
		s.handleBotRun(ctx, enc, req)
	case "bot.status":
		s.handleBotStatus(enc, req)
	case "bot.show":
		s.handleBotShow(enc, req)
	case "bot.runs":
		s.handleBotRuns(enc, req)
	case "bot.cancel":
		s.handleBotCancel(enc, req)
	case "service.status":
		writeResult(enc, req.ID, ServiceStatusResult{
			UptimeS:          int64(s.mgr.Uptime() / time.Second),
			ActiveRuns:       s.mgr.ActiveRuns(),
			ActiveWorkspaces: s.mgr.ActiveWorkspaces(),
		})
	case "service.doctor":
		writeResult(enc, req.ID, ServiceDoctorResult{Checks: s.doctorChecks()})
	default:
		writeError(enc, req.ID, CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleBotRun(ctx context.Context, enc *json.Encoder, req Request) {
	var params BotRunParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad bot.run params: "+err.Error())
		return
	}

	rec, err := s.mgr.Submit(ctx, botrun.Request{
		WorkspacePath:       params.WorkspacePath,
		WorkItemID:          params.WorkItemID,
		Kind:                botrun.Kind(params.Kind),
		CaptureMode:         botrun.CaptureMode(params.CaptureMode),
		WriteMode:           botrun.WriteMode(params.WriteMode),
		AllowDegraded:       params.AllowDegraded,
		NotebookLMHealthURL: params.NotebookLMHealthURL,
		RebaseTarget:        params.RebaseTarget,
	})
	if err != nil {
		writeError(enc, req.ID, submitErrorCode(err), err.Error())
		return
	}

	writeResult(enc, req.ID, BotRunResult{
		RunID:        rec.RunID,
		Status:       string(rec.State),
		WorkItemID:   rec.Request.WorkItemID,
		Kind:         string(rec.Request.Kind),
		ExitCode:     rec.ExitCode,
		Summary:      rec.Summary,
		ArtifactURIs: rec.ArtifactURIs,
	})
	if params.Subscribe {
		writeNotification(enc, "bot.terminal", TerminalParams{
			RunID:        rec.RunID,
			Status:       rec.State,
			ExitCode:     rec.ExitCode,
			Summary:      rec.Summary,
			ArtifactURIs: rec.ArtifactURIs,
		})
	}
}

func (s *Server) handleBotStatus(enc *json.Encoder, req Request) {
	var params BotStatusParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad bot.status params: "+err.Error())
		return
	}
	records := s.mgr.Status(params.WorkspacePath, params.WorkItemID, botrun.Kind(params.Kind))
	result := BotStatusResult{Runs: make([]RunSummary, 0, len(records))}
	for _, rec := range records {
		result.Runs = append(result.Runs, summarize(rec))
	}
	writeResult(enc, req.ID, result)
}

func (s *Server) handleBotShow(enc *json.Encoder, req Request) {
	var params BotShowParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad bot.show params: "+err.Error())
		return
	}
	rec, err := s.mgr.Show(params.RunID)
	if err != nil {
		writeError(enc, req.ID, CodeNotFound, err.Error())
		return
	}
	result := BotShowResult{
		RunID:        rec.RunID,
		Status:       string(rec.State),
		Kind:         string(rec.Request.Kind),
		ExitCode:     rec.ExitCode,
		Summary:      rec.Summary,
		StartedAt:    rec.StartedAt.Format(time.RFC3339),
		ArtifactURIs: rec.ArtifactURIs,
		ReportJSON:   rec.ReportJSON,
	}
	if rec.FinishedAt != nil {
		result.FinishedAt = rec.FinishedAt.Format(time.RFC3339)
	}
	writeResult(enc, req.ID, result)
}

func (s *Server) handleBotRuns(enc *json.Encoder, req Request) {
	var params BotRunsParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad bot.runs params: "+err.Error())
		return
	}
	records, total := s.mgr.ListRuns(params.WorkspacePath, params.WorkItemID, params.Limit, params.Offset)
	result := BotRunsResult{Total: total, Runs: make([]RunSummary, 0, len(records))}
	for _, rec := range records {
		result.Runs = append(result.Runs, summarize(rec))
	}
	writeResult(enc, req.ID, result)
}

func (s *Server) handleBotCancel(enc *json.Encoder, req Request) {
	var params BotCancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, CodeInvalidParams, "bad bot.cancel params: "+err.Error())
		return
	}
	state, err := s.mgr.Cancel(params.RunID)
	if err != nil {
		writeError(enc, req.ID, CodeNotFound, err.Error())
		return
	}
	writeResult(enc, req.ID, BotCancelResult{Status: string(state)})
}

func (s *Server) doctorChecks() []DoctorCheck {
	checks := []DoctorCheck{{Name: "ipc-socket", Status: "ok", Detail: s.socketPath}}
	if _, err := os.Stat(filepath.Dir(s.socketPath)); err != nil {
		checks[0] = DoctorCheck{Name: "ipc-socket", Status: "fail", Detail: err.Error()}
	}
	if s.mgr.ActiveRuns() > 0 {
		checks = append(checks, DoctorCheck{Name: "active-runs", Status: "warn", Detail: fmt.Sprintf("%d runs in flight", s.mgr.ActiveRuns())})
	} else {
		checks = append(checks, DoctorCheck{Name: "active-runs", Status: "ok"})
	}
	return checks
}

func summarize(rec botrun.Record) RunSummary {
	return RunSummary{
		RunID:          rec.RunID,
		Status:         string(rec.State),
		Kind:           string(rec.Request.Kind),
		StartedAt:      rec.StartedAt.Format(time.RFC3339),
		LastCheckpoint: rec.LastCheckpoint,
		Summary:        rec.Summary,
	}
}

func submitErrorCode(err error) int {
	switch {
	case botrun.IsInputError(err):
		return CodeNeedsInput
	case errors.Is(err, botrun.ErrDuplicateRun):
		return CodeDuplicateRun
	case errors.Is(err, botrun.ErrAlreadyTerminal):
		return CodeAlreadyTerminal
	case errors.Is(err, botrun.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInfra
	}
}

func writeResult(enc *json.Encoder, id json.RawMessage, result any) {
	if err := enc.Encode(Response{ID: id, Result: result}); err != nil {
		log.Debug().Err(err).Msg("ipc response write failed")
	}
}

func writeError(enc *json.Encoder, id json.RawMessage, code int, message string) {
	if err := enc.Encode(Response{ID: id, Error: &ErrorObject{Code: code, Message: message}}); err != nil {
		log.Debug().Err(err).Msg("ipc error write failed")
	}
}

func writeNotification(enc *json.Encoder, method string, params any) {
	if err := enc.Encode(Notification{Method: method, Params: params}); err != nil {
		log.Debug().Err(err).Msg("ipc notification write failed")
	}
}
