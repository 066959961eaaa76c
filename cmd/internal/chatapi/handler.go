// Package chatapi is the REST surface over chat.Service.
//
// Every route authenticates with a Bearer token. Writes that other users must
// see (messages, membership changes, deletion) are routed through a Notifier so
// connected realtime clients observe them exactly as if they came from a socket.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
)

// Notifier fans REST writes out to realtime clients. realtime.WSGateway implements it.
type Notifier interface {
	SendMessage(ctx context.Context, in chat.AddMessageInput) (chat.AddMessageResult, error)
	NotifyParticipantAdded(ctx context.Context, conv chat.Conversation, actorID, userID string)
	NotifyParticipantRemoved(ctx context.Context, conv chat.Conversation, actorID, userID string)
	NotifyConversationDeleted(ctx context.Context, conv chat.Conversation, actorID string)
}

// IdentityObserver learns display names carried by verified tokens.
type IdentityObserver interface {
	Observe(userID, name string)
}

// directNotifier appends through the service and tells nobody. Used when no gateway is mounted.
type directNotifier struct{ chats *chat.Service }

func (d directNotifier) SendMessage(ctx context.Context, in chat.AddMessageInput) (chat.AddMessageResult, error) {
	return d.chats.AddMessage(ctx, in)
}
func (directNotifier) NotifyParticipantAdded(context.Context, chat.Conversation, string, string)   {}
func (directNotifier) NotifyParticipantRemoved(context.Context, chat.Conversation, string, string) {}
func (directNotifier) NotifyConversationDeleted(context.Context, chat.Conversation, string)        {}

// Handler serves the /chats routes.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	chats    *chat.Service
	verifier session.Verifier
	notifier Notifier
	observer IdentityObserver
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithNotifier routes writes through n instead of calling the service directly.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *Handler) {
		if n != nil {
			h.notifier = n
		}
	}
}

// WithIdentityObserver forwards token display names to o on every request.
func WithIdentityObserver(o IdentityObserver) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, chats *chat.Service, verifier session.Verifier, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if chats == nil || verifier == nil {
		return nil, errors.New("chatapi: chat service and verifier are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &Handler{log: log, cfg: cfg, chats: chats, verifier: verifier}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.notifier == nil {
		h.notifier = directNotifier{chats: chats}
	}
	return h, nil
}

// Register wires chat routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /chats/personal", h.authed(h.handleOpenPersonal))
	mux.HandleFunc("POST /chats/groups", h.authed(h.handleCreateGroup))
	mux.HandleFunc("GET /chats", h.authed(h.handleList))
	mux.HandleFunc("POST /chats/{id}/messages", h.authed(h.handlePostMessage))
	mux.HandleFunc("GET /chats/{id}/messages", h.authed(h.handleGetMessages))
	mux.HandleFunc("POST /chats/{id}/participants", h.authed(h.handleAddParticipant))
	mux.HandleFunc("DELETE /chats/{id}/participants/{userId}", h.authed(h.handleRemoveParticipant))
	mux.HandleFunc("PATCH /chats/{id}", h.authed(h.handlePatch))
	mux.HandleFunc("PATCH /chats/{id}/seen", h.authed(h.handleSeen))
	mux.HandleFunc("DELETE /chats/{id}", h.authed(h.handleDelete))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, ident session.Identity)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := h.verifier.Verify(r.Context(), session.BearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
			return
		}
		if h.observer != nil && strings.TrimSpace(ident.Name) != "" {
			h.observer.Observe(ident.UserID, ident.Name)
		}
		next(w, r, ident)
	}
}

// ---- conversations ----

func (h *Handler) handleOpenPersonal(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	var req openPersonalRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	view, err := h.chats.OpenPersonal(r.Context(), ident.UserID, req.PeerID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(view))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	var req createGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	view, err := h.chats.CreateGroup(r.Context(), chat.CreateGroupInput{
		CreatorID:      ident.UserID,
		Name:           req.Name,
		Avatar:         req.Avatar,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(view))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	views, err := h.chats.ListConversations(r.Context(), ident.UserID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	out := listResponse{UserID: ident.UserID, Chats: make([]conversationResponse, 0, len(views)), Total: len(views)}
	for _, v := range views {
		out.Chats = append(out.Chats, toConversationResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	var req patchConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	view, err := h.chats.UpdateConversation(r.Context(), ident.UserID, r.PathValue("id"), chat.Patch{Name: req.Name, Avatar: req.Avatar})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(view))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	conv, deleted, err := h.chats.DeleteConversation(r.Context(), ident.UserID, r.PathValue("id"))
	if err != nil {
		status, code := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error("chatapi.request.fail", "path", r.URL.Path, "err", err)
		}
		writeJSON(w, status, deleteResponse{Deleted: false, Error: &apiError{Code: code, Message: chat.PublicMessage(err)}})
		return
	}
	if deleted {
		h.notifier.NotifyConversationDeleted(r.Context(), conv, ident.UserID)
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

// ---- participants ----

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	var req addParticipantRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	view, changed, err := h.chats.AddParticipant(r.Context(), ident.UserID, r.PathValue("id"), req.UserID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if changed {
		h.notifier.NotifyParticipantAdded(r.Context(), view.Conversation, ident.UserID, strings.TrimSpace(req.UserID))
	}
	writeJSON(w, http.StatusOK, toConversationResponse(view))
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	userID := r.PathValue("userId")
	view, changed, err := h.chats.RemoveParticipant(r.Context(), ident.UserID, r.PathValue("id"), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	if changed {
		h.notifier.NotifyParticipantRemoved(r.Context(), view.Conversation, ident.UserID, strings.TrimSpace(userID))
	}
	writeJSON(w, http.StatusOK, toConversationResponse(view))
}

// ---- messages ----

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	var req postMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, err := h.notifier.SendMessage(r.Context(), chat.AddMessageInput{
		ConversationID: r.PathValue("id"),
		SenderID:       ident.UserID,
		Text:           req.Text,
		Attachments:    attachmentsFromBody(req.Attachments),
		ReplyTo:        req.ReplyTo,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	out := toMessageResponse(res.Message)
	status := http.StatusCreated
	if res.Duplicated {
		out.Duplicated = true
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	q, err := pageQueryFrom(r)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	page, err := h.chats.GetMessages(r.Context(), r.PathValue("id"), ident.UserID, q)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	out := pageResponse{
		Conversation: toConversationResponse(page.Conversation),
		Messages:     make([]messageResponse, 0, len(page.Messages)),
		Total:        page.Total,
		Skip:         page.Skip,
		Limit:        page.Limit,
		Sort:         string(page.Sort),
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	marker, err := h.chats.MarkSeen(r.Context(), r.PathValue("id"), ident.UserID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seenResponse{
		ConversationID: marker.ConversationID,
		UserID:         marker.UserID,
		LastReadSeq:    marker.LastReadSeq,
	})
}

var errBadPaging = &chat.OpError{Op: "chatapi.page", Kind: chat.ErrInvalidArgument, Msg: "skip and limit must be integers"}

func pageQueryFrom(r *http.Request) (chat.PageQuery, error) {
	v := r.URL.Query()
	var q chat.PageQuery

	if s := strings.TrimSpace(v.Get("skip")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, errBadPaging
		}
		q.Skip = n
	}
	if s := strings.TrimSpace(v.Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, errBadPaging
		}
		q.Limit = n
	}
	sort, err := chat.ParseSortOrder(v.Get("sort"))
	if err != nil {
		return q, err
	}
	q.Sort = sort
	return q, nil
}

// ---- errors ----

// statusFor maps a chat error kind onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case chat.IsInvalidArgument(err):
		return http.StatusBadRequest, chat.ErrInvalidArgument.Error()
	case chat.IsInvalidOperation(err):
		return http.StatusBadRequest, chat.ErrInvalidOperation.Error()
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusUnauthorized, chat.ErrUnauthorized.Error()
	case chat.IsForbidden(err):
		return http.StatusForbidden, chat.ErrForbidden.Error()
	case chat.IsNotFound(err):
		return http.StatusNotFound, chat.ErrNotFound.Error()
	case chat.IsConflict(err):
		return http.StatusConflict, chat.ErrConflict.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, chat.ErrInternal.Error()
	}
}

func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := chat.PublicMessage(err)
	switch status {
	case http.StatusInternalServerError:
		h.log.Error("chatapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	case http.StatusServiceUnavailable:
		h.log.Warn("chatapi.request.timeout", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "request timed out, retry"
	}
	writeError(w, status, code, msg)
}
