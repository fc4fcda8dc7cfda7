package agent

import (
	"github.com/BaSui01/agentrun/permission"
	"github.com/BaSui01/agentrun/session"
	"github.com/BaSui01/agentrun/types"
	"go.uber.org/zap"
)

// Interaction is the thin demultiplexer between the transport and the
// waiters: inbound user_response and permission_response frames are routed
// to the exact waiter they resolve, chat turns are queued for the session
// cycle, and everything unroutable is dropped with a warning.
type Interaction struct {
	perms     *permission.Manager
	optimizer *Optimizer
	logger    *zap.Logger
}

// NewInteraction creates the interaction stage.
func NewInteraction(perms *permission.Manager, optimizer *Optimizer, logger *zap.Logger) *Interaction {
	return &Interaction{
		perms:     perms,
		optimizer: optimizer,
		logger:    logger.With(zap.String("component", "interaction")),
	}
}

// Dispatch routes one inbound frame. chats receives new top-level turns;
// a full queue drops the turn with a warning rather than blocking the
// read loop.
func (i *Interaction) Dispatch(sess *session.Session, frame session.Frame, chats chan<- string) {
	switch frame.Type {
	case session.TypeChat:
		var content session.ChatContent
		if err := frame.Decode(&content); err != nil {
			i.logger.Warn("malformed chat frame dropped", zap.Error(err))
			return
		}
		select {
		case chats <- content.Content:
		default:
			i.logger.Warn("chat queue full, turn dropped",
				zap.String("session_id", sess.ID),
			)
		}

	case session.TypeUserResponse:
		var content session.UserResponseContent
		if err := frame.Decode(&content); err != nil {
			i.logger.Warn("malformed user_response dropped", zap.Error(err))
			return
		}
		if !sess.ResolveQuestion(content.QuestionID, content.Content) {
			i.logger.Warn("unrouted user_response dropped",
				zap.String("question_id", content.QuestionID),
			)
		}

	case session.TypePermissionResponse:
		var content session.PermissionResponseContent
		if err := frame.Decode(&content); err != nil {
			i.logger.Warn("malformed permission_response dropped", zap.Error(err))
			return
		}
		if err := i.perms.Respond(content.RequestID, content.Granted, content.Response); err != nil {
			if types.IsCode(err, types.ErrNotFound) || types.IsCode(err, types.ErrAlreadyDecided) {
				i.logger.Warn("unrouted permission_response dropped",
					zap.String("request_id", content.RequestID),
					zap.Error(err),
				)
			}
		}

	case session.TypeFeedback:
		var content session.FeedbackContent
		if err := frame.Decode(&content); err != nil {
			i.logger.Warn("malformed feedback dropped", zap.Error(err))
			return
		}
		i.optimizer.AbsorbFeedback(sess.ID, content.Content)

	default:
		i.logger.Warn("unknown frame type dropped", zap.String("type", frame.Type))
	}
}
