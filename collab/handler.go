package collab

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flashfusion/collab-relay/auth"
	"github.com/flashfusion/collab-relay/internal"
)

// Admission rejection reasons, used as metric labels.
const (
	rejectMissingParams = "missing_params"
	rejectAuthTimeout   = "auth_timeout"
	rejectInvalidToken  = "invalid_token"
	rejectWrongSubject  = "subject_mismatch"
	rejectAuthError     = "auth_error"
)

type HandlerConfig struct {
	ConnConfig
	AuthTimeout time.Duration
	// Origins allowed to open a websocket. Empty allows any origin.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to collaboration websockets and runs each connection from
// admission until it closes.
type Handler struct {
	svc      *Service
	verifier auth.Verifier
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(svc *Service, verifier auth.Verifier, cfg HandlerConfig) *Handler {
	h := &Handler{
		svc:      svc,
		verifier: verifier,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(req *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		// not a browser
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

type admission struct {
	projectID string
	userID    string
	userName  string
	token     string
}

func parseAdmission(req *http.Request) (*admission, error) {
	q := req.URL.Query()
	a := &admission{
		projectID: q.Get("project_id"),
		userID:    q.Get("user_id"),
		userName:  q.Get("user_name"),
		token:     q.Get("token"),
	}
	if a.token == "" {
		a.token = bearerToken(req)
	}
	if a.projectID == "" || a.userID == "" || a.token == "" {
		return nil, auth.ErrMissingParams
	}
	return a, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		logger.Warn().Err(err).Str("origin", req.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	ctx := internal.ConnContext(req.Context(), connID)

	a, err := parseAdmission(req)
	if err != nil {
		h.reject(ctx, ws, rejectMissingParams, err)
		return
	}
	internal.SetConnContextIdentity(ctx, a.projectID, a.userID)

	authCtx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	identity, err := auth.VerifyUser(authCtx, h.verifier, a.token, a.userID)
	cancel()
	if err != nil {
		reason := rejectAuthError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = rejectAuthTimeout
		case errors.Is(err, auth.ErrInvalidToken):
			reason = rejectInvalidToken
		case errors.Is(err, auth.ErrSubjectMismatch):
			reason = rejectWrongSubject
		}
		h.reject(ctx, ws, reason, err)
		return
	}

	info := ConnInfo{
		ConnID:    connID,
		ProjectID: a.projectID,
		UserID:    a.userID,
		UserName:  displayName(a.userName, identity),
	}
	conn := newConn(ctx, ws, info, h.cfg.ConnConfig)
	conn.onPong = func() {
		h.svc.Presence.Touch(info.ProjectID, info.UserID)
	}
	h.svc.Join(ctx, info, conn)
	go conn.writeLoop()

	err = conn.readLoop(func(raw []byte) {
		if err := h.svc.Router.Route(ctx, info, raw); err != nil {
			var pe *PersistError
			if errors.As(err, &pe) {
				return // already reported by the router
			}
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("dropped frame")
		}
	})
	closeCode := websocket.CloseNormalClosure
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009 to the client
		closeCode = websocket.CloseMessageTooBig
		internal.DecorateLogger(ctx, logger.Info()).Int64("limit", h.cfg.MaxMessageBytes).Msg("closing connection, frame too large")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		internal.DecorateLogger(ctx, logger.Debug()).Err(err).Msg("connection ended unexpectedly")
	}
	conn.Close(closeCode, "")
	h.svc.Leave(ctx, info, conn)
}

// reject closes a connection which failed admission with a policy violation. The socket is
// still ours alone at this point so we can write directly.
func (h *Handler) reject(ctx context.Context, ws *websocket.Conn, reason string, err error) {
	h.svc.rejected(reason)
	internal.DecorateLogger(ctx, logger.Info()).Err(err).Str("reason", reason).Msg("rejected connection")
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "policy violation")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	ws.Close()
}

// displayName picks the name shown to collaborators: the client supplied user_name, else the
// name from the identity provider, else the user ID.
func displayName(requested string, identity *auth.Identity) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if identity.Name != "" {
		return identity.Name
	}
	return identity.UserID
}
