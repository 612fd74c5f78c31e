package ws

import (
	"context"

	"jobdeck/internal/model"
	"jobdeck/internal/schema"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Syncer is the part of the supervisor commands may drive.
type Syncer interface {
	LoadOlder() bool
	Refresh() bool
}

// Actions is the part of the dispatcher commands may drive.
type Actions interface {
	Dispatch(ctx context.Context, action model.ActionKind, message, name string) string
	Submit(ctx context.Context) string
	Confirm(ctx context.Context, id string) string
	Retry(ctx context.Context, id string) string
	SetDraft(draft model.Draft)
	Draft() model.Draft
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	sync    Syncer
	actions Actions
	schemas *schema.Compiler
	log     *zap.Logger
}

func NewCommandHandler(sync Syncer, actions Actions, schemas *schema.Compiler, log *zap.Logger) *CommandHandler {
	if schemas == nil {
		schemas = schema.NewCompiler(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandHandler{
		sync:    sync,
		actions: actions,
		schemas: schemas,
		log:     log,
	}
}

// HandleCommand processes a WebSocket command
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	h.log.Debug("WebSocket command", zap.String("op", op), zap.String("conn_id", conn.id))

	switch op {
	case "loadOlder":
		h.sendResponse(conn, msgID, map[string]interface{}{"accepted": h.sync.LoadOlder()})
	case "refresh":
		h.sendResponse(conn, msgID, map[string]interface{}{"accepted": h.sync.Refresh()})
	case "submit":
		h.handleSubmit(ctx, conn, msgID, data)
	case "confirm":
		h.handleJob(conn, msgID, data, func(id string) string { return h.actions.Confirm(ctx, id) })
	case "retry":
		h.handleJob(conn, msgID, data, func(id string) string { return h.actions.Retry(ctx, id) })
	case "setDraft":
		h.handleSetDraft(conn, msgID, data)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

// handleSubmit dispatches the stored draft, or the action carried in data
// when present.
func (h *CommandHandler) handleSubmit(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	if len(data) == 0 {
		h.sendResponse(conn, msgID, map[string]interface{}{"status": h.actions.Submit(ctx)})
		return
	}
	if err := h.schemas.Validate(schema.Action, data); err != nil {
		h.sendError(conn, msgID, "invalid_input", err.Error())
		return
	}
	status := h.actions.Dispatch(ctx,
		model.ActionKind(cast.ToString(data["action"])),
		cast.ToString(data["message"]),
		cast.ToString(data["name"]),
	)
	h.sendResponse(conn, msgID, map[string]interface{}{"status": status})
}

func (h *CommandHandler) handleJob(conn *Conn, msgID string, data map[string]interface{}, do func(id string) string) {
	jobID := model.EventID(data["jobId"])
	if jobID == "" {
		h.sendError(conn, msgID, "invalid_input", "jobId required")
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{"status": do(jobID)})
}

func (h *CommandHandler) handleSetDraft(conn *Conn, msgID string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	if err := h.schemas.Validate(schema.Draft, data); err != nil {
		h.sendError(conn, msgID, "invalid_input", err.Error())
		return
	}
	h.actions.SetDraft(model.Draft{
		Message: cast.ToString(data["message"]),
		Name:    cast.ToString(data["name"]),
		Action:  model.ActionKind(cast.ToString(data["action"])),
	})
	h.sendResponse(conn, msgID, map[string]interface{}{"draft": h.actions.Draft()})
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, data map[string]interface{}) {
	response := map[string]interface{}{
		"type": "response",
		"data": data,
	}
	if msgID != "" {
		response["id"] = msgID
	}
	if !conn.sendJSON(response) {
		h.log.Warn("Failed to send response", zap.String("conn_id", conn.id))
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	err := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		err["id"] = msgID
	}
	if !conn.sendJSON(err) {
		h.log.Warn("Failed to send error", zap.String("conn_id", conn.id))
	}
}
