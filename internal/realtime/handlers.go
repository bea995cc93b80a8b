package realtime

import (
	"context"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/protocol"
	"github.com/studyhive/hive-realtime/internal/ratelimit"
	"github.com/studyhive/hive-realtime/internal/ws"
)

// OnConnect is the ws.Server connect callback.
func (c *Coordinator) OnConnect(conn *ws.Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
	defer cancel()
	return c.Connect(ctx, conn.ID, conn.UserID)
}

// OnDisconnect is the ws.Server disconnect callback.
func (c *Coordinator) OnDisconnect(conn *ws.Connection) {
	c.Disconnect(conn.ID, conn.UserID)
}

// RegisterHandlers binds every inbound event type to the coordinator.
func (c *Coordinator) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, c.touching(c.handleJoinRoom))
	d.Register(protocol.TypeLeaveRoom, c.touching(c.handleLeaveRoom))
	d.Register(protocol.TypeSendMessage, c.touching(c.handleSendMessage))
	d.Register(protocol.TypeEditMessage, c.touching(c.handleEditMessage))
	d.Register(protocol.TypeDeleteMessage, c.touching(c.handleDeleteMessage))
	d.Register(protocol.TypeAddReaction, c.touching(c.handleAddReaction))
	d.Register(protocol.TypePinMessage, c.touching(c.handlePinMessage))
	d.Register(protocol.TypeTypingStart, c.touching(c.handleTypingStart))
	d.Register(protocol.TypeTypingStop, c.touching(c.handleTypingStop))
	d.Register(protocol.TypePollVote, c.touching(c.handlePollVote))
	d.Register(protocol.TypeUpdateStatus, c.touching(c.handleUpdateStatus))
	d.Register(protocol.TypeMarkRead, c.touching(c.handleMarkRead))
}

// touching refreshes the sender's last-seen time before running h.
func (c *Coordinator) touching(h ws.MessageHandler) ws.MessageHandler {
	return func(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
		c.registry.Touch(conn.UserID)
		return h(ctx, conn, ev)
	}
}

func (c *Coordinator) handleJoinRoom(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.JoinRoomMsg)
	return protocol.AckEvent{}, c.JoinRoom(ctx, conn.ID, conn.UserID, msg.RoomID)
}

func (c *Coordinator) handleLeaveRoom(_ context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.LeaveRoomMsg)
	c.LeaveRoom(conn.UserID, msg.RoomID)
	return protocol.AckEvent{}, nil
}

func (c *Coordinator) handleSendMessage(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.SendMessageMsg)
	if err := c.checkRate(ctx, conn.UserID, ratelimit.RuleSend); err != nil {
		return protocol.AckEvent{}, err
	}

	d := chat.Draft{
		RoomID:       msg.RoomID,
		AuthorID:     conn.UserID,
		Type:         msg.MessageType,
		Content:      msg.Content,
		CodeLanguage: msg.CodeLanguage,
		ReplyTo:      msg.ReplyTo,
		Mentions:     msg.Mentions,
		Attachments:  msg.Attachments,
	}
	if msg.Poll != nil {
		d.Poll = &chat.PollDraft{
			Question:      msg.Poll.Question,
			Options:       msg.Poll.Options,
			AllowMultiple: msg.Poll.AllowMultiple,
			ExpiresAt:     msg.Poll.ExpiresAt,
		}
	}

	m, err := c.mutations.Create(ctx, conn.UserID, d)
	if err != nil {
		return protocol.AckEvent{}, err
	}
	return protocol.AckEvent{MessageID: m.ID}, nil
}

func (c *Coordinator) handleEditMessage(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.EditMessageMsg)
	_, err := c.mutations.Edit(ctx, conn.UserID, msg.MessageID, msg.Content)
	return messageAck(msg.MessageID, err)
}

func (c *Coordinator) handleDeleteMessage(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.DeleteMessageMsg)
	_, err := c.mutations.Delete(ctx, conn.UserID, msg.MessageID)
	return messageAck(msg.MessageID, err)
}

func (c *Coordinator) handleAddReaction(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.AddReactionMsg)
	if err := c.checkRate(ctx, conn.UserID, ratelimit.RuleReaction); err != nil {
		return protocol.AckEvent{}, err
	}
	_, err := c.mutations.ToggleReaction(ctx, conn.UserID, msg.MessageID, msg.Emoji)
	return messageAck(msg.MessageID, err)
}

func (c *Coordinator) handlePinMessage(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.PinMessageMsg)
	_, err := c.mutations.TogglePin(ctx, conn.UserID, msg.MessageID)
	return messageAck(msg.MessageID, err)
}

func (c *Coordinator) handleTypingStart(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.TypingStartMsg)
	return protocol.AckEvent{}, c.StartTyping(ctx, conn.UserID, msg.RoomID)
}

func (c *Coordinator) handleTypingStop(_ context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.TypingStopMsg)
	return protocol.AckEvent{}, c.StopTyping(conn.UserID, msg.RoomID)
}

func (c *Coordinator) handlePollVote(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.PollVoteMsg)
	if err := c.checkRate(ctx, conn.UserID, ratelimit.RuleVote); err != nil {
		return protocol.AckEvent{}, err
	}
	_, err := c.mutations.CastVote(ctx, conn.UserID, msg.MessageID, *msg.OptionIndex)
	return messageAck(msg.MessageID, err)
}

func (c *Coordinator) handleUpdateStatus(_ context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.UpdateStatusMsg)
	return protocol.AckEvent{}, c.UpdateStatus(conn.UserID, msg.Status)
}

func (c *Coordinator) handleMarkRead(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) (protocol.AckEvent, error) {
	msg := ev.(protocol.MarkReadMsg)
	_, err := c.mutations.MarkRead(ctx, conn.UserID, msg.MessageIDs, msg.RoomID)
	return protocol.AckEvent{}, err
}

func messageAck(messageID string, err error) (protocol.AckEvent, error) {
	if err != nil {
		return protocol.AckEvent{}, err
	}
	return protocol.AckEvent{MessageID: messageID}, nil
}
