package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"friendhub/internal/domain"
	"friendhub/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	userHeader        = "X-User-Id"
)

type Messaging interface {
	SendMessage(ctx context.Context, conversationID string, payload map[string]any) (domain.Message, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	UpdateConversation(ctx context.Context, conversationID string, metadata map[string]any) error
	Conversation(ctx context.Context, conversationID string) (domain.ConversationMeta, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ArchiveOldMessages(ctx context.Context, conversationID string, daysOld int) (int, error)
}

type Stories interface {
	PostStory(ctx context.Context, in usecase.PostStoryInput) (domain.Story, error)
	ViewStory(ctx context.Context, viewerID, storyID string) (usecase.StoryView, error)
	OwnerStories(ctx context.Context, viewerID, ownerID string) ([]domain.Story, error)
	Comment(ctx context.Context, in usecase.CommentInput) (domain.Comment, error)
	React(ctx context.Context, in usecase.ReactInput) (domain.Reaction, error)
}

// Handler serves the conversation and story routes behind API Gateway.
type Handler struct {
	messages Messaging
	stories  Stories
	logger   *slog.Logger
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type storiesResponse struct {
	Stories []domain.Story `json:"stories"`
}

type archiveResponse struct {
	Archived int `json:"archived"`
}

type postStoryRequest struct {
	MediaURL  string  `json:"mediaUrl"`
	MediaType string  `json:"mediaType"`
	Caption   *string `json:"caption"`
	Privacy   string  `json:"privacy"`
}

type commentRequest struct {
	Content string `json:"content"`
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

// request carries the parts of an API Gateway event a route needs.
type request struct {
	method string
	params []string
	query  map[string]string
	body   []byte
	userID string
}

func NewHandler(messages Messaging, stories Stories, logger *slog.Logger) (*Handler, error) {
	if messages == nil {
		return nil, errors.New("handler: messaging service must not be nil")
	}
	if stories == nil {
		return nil, errors.New("handler: story service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{messages: messages, stories: stories, logger: logger}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return respond(correlationID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
		}
		body = decoded
	}

	route, params, allowed := h.match(event.HTTPMethod, event.Path)
	switch {
	case route == nil && allowed != "":
		resp := respond(correlationID, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
		resp.Headers["Allow"] = allowed
		return resp, nil
	case route == nil:
		return respond(correlationID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}

	status, out, err := route(ctx, request{
		method: event.HTTPMethod,
		params: params,
		query:  event.QueryStringParameters,
		body:   body,
		userID: header(event.Headers, userHeader),
	})
	if err != nil {
		return h.errorResponse(logger, correlationID, err), nil
	}
	return respond(correlationID, status, out), nil
}

type routeFunc func(ctx context.Context, req request) (int, any, error)

// match resolves a route. When the path exists but the method does not, it
// returns a nil route and the allowed methods.
func (h *Handler) match(method, path string) (routeFunc, []string, string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, s := range segs {
		if s == "" {
			return nil, nil, ""
		}
	}

	var routes map[string]routeFunc
	var params []string
	switch {
	case len(segs) == 2 && segs[0] == "conversations":
		params = segs[1:2]
		routes = map[string]routeFunc{
			http.MethodGet:    h.getConversation,
			http.MethodPut:    h.putConversation,
			http.MethodDelete: h.deleteConversation,
		}
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "messages":
		params = segs[1:2]
		routes = map[string]routeFunc{
			http.MethodGet:  h.getMessages,
			http.MethodPost: h.postMessage,
		}
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "archive":
		params = segs[1:2]
		routes = map[string]routeFunc{http.MethodPost: h.archiveMessages}
	case len(segs) == 1 && segs[0] == "stories":
		routes = map[string]routeFunc{http.MethodPost: h.postStory}
	case len(segs) == 2 && segs[0] == "stories":
		params = segs[1:2]
		routes = map[string]routeFunc{http.MethodGet: h.viewStory}
	case len(segs) == 3 && segs[0] == "stories" && segs[2] == "comments":
		params = segs[1:2]
		routes = map[string]routeFunc{http.MethodPost: h.postComment}
	case len(segs) == 3 && segs[0] == "stories" && segs[2] == "reactions":
		params = segs[1:2]
		routes = map[string]routeFunc{http.MethodPost: h.postReaction}
	case len(segs) == 3 && segs[0] == "users" && segs[2] == "stories":
		params = segs[1:2]
		routes = map[string]routeFunc{http.MethodGet: h.ownerStories}
	default:
		return nil, nil, ""
	}

	if route, ok := routes[method]; ok {
		return route, params, ""
	}
	allowed := make([]string, 0, len(routes))
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		if _, ok := routes[m]; ok {
			allowed = append(allowed, m)
		}
	}
	return nil, nil, strings.Join(allowed, ", ")
}

func (h *Handler) postMessage(ctx context.Context, req request) (int, any, error) {
	var payload map[string]any
	if err := decode(req.body, &payload); err != nil {
		return 0, nil, err
	}
	msg, err := h.messages.SendMessage(ctx, req.params[0], payload)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, msg, nil
}

func (h *Handler) getMessages(ctx context.Context, req request) (int, any, error) {
	limit, err := queryInt(req.query, "limit")
	if err != nil {
		return 0, nil, err
	}
	msgs, err := h.messages.Messages(ctx, req.params[0], limit)
	if err != nil {
		return 0, nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return http.StatusOK, messagesResponse{Messages: msgs}, nil
}

func (h *Handler) getConversation(ctx context.Context, req request) (int, any, error) {
	meta, err := h.messages.Conversation(ctx, req.params[0])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, meta, nil
}

func (h *Handler) putConversation(ctx context.Context, req request) (int, any, error) {
	var metadata map[string]any
	if err := decode(req.body, &metadata); err != nil {
		return 0, nil, err
	}
	if err := h.messages.UpdateConversation(ctx, req.params[0], metadata); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *Handler) deleteConversation(ctx context.Context, req request) (int, any, error) {
	if err := h.messages.DeleteConversation(ctx, req.params[0]); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *Handler) archiveMessages(ctx context.Context, req request) (int, any, error) {
	days, err := queryInt(req.query, "daysOld")
	if err != nil {
		return 0, nil, err
	}
	n, err := h.messages.ArchiveOldMessages(ctx, req.params[0], days)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, archiveResponse{Archived: n}, nil
}

func (h *Handler) postStory(ctx context.Context, req request) (int, any, error) {
	var in postStoryRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	story, err := h.stories.PostStory(ctx, usecase.PostStoryInput{
		OwnerID:   req.userID,
		MediaURL:  in.MediaURL,
		MediaType: in.MediaType,
		Caption:   in.Caption,
		Privacy:   in.Privacy,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, story, nil
}

func (h *Handler) viewStory(ctx context.Context, req request) (int, any, error) {
	view, err := h.stories.ViewStory(ctx, req.userID, req.params[0])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, view, nil
}

func (h *Handler) ownerStories(ctx context.Context, req request) (int, any, error) {
	stories, err := h.stories.OwnerStories(ctx, req.userID, req.params[0])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, storiesResponse{Stories: stories}, nil
}

func (h *Handler) postComment(ctx context.Context, req request) (int, any, error) {
	var in commentRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	c, err := h.stories.Comment(ctx, usecase.CommentInput{StoryID: req.params[0], UserID: req.userID, Content: in.Content})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, c, nil
}

func (h *Handler) postReaction(ctx context.Context, req request) (int, any, error) {
	var in reactRequest
	if err := decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	r, err := h.stories.React(ctx, usecase.ReactInput{StoryID: req.params[0], UserID: req.userID, Emoji: in.Emoji})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, r, nil
}

func (h *Handler) errorResponse(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		logger.Error("unexpected error", "err", err)
		return respond(correlationID, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := http.StatusInternalServerError
	switch usecaseErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorForbidden:
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "reason", usecaseErr.Reason, "err", usecaseErr.Err)
		return respond(correlationID, status, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	logger.Info("request rejected", "code", usecaseErr.Code, "reason", usecaseErr.Reason)
	return respond(correlationID, status, errorResponse{Error: string(usecaseErr.Code), Reason: usecaseErr.Reason})
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{correlationHeader: correlationID},
	}
	if body == nil {
		return resp
	}
	raw, err := json.Marshal(body)
	if err != nil {
		resp.StatusCode = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	resp.Headers["Content-Type"] = "application/json"
	resp.Body = string(raw)
	return resp
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	return nil
}

func queryInt(query map[string]string, key string) (int, error) {
	v := strings.TrimSpace(query[key])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_" + key, Err: err}
	}
	return n, nil
}

// header looks a header up case-insensitively; API Gateway does not
// normalise header names.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
