package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/manpreetbhatti/pairpad/internal/ai"
	"github.com/manpreetbhatti/pairpad/internal/document"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
)

// dispatch routes one inbound event. It runs on the client's read
// goroutine, so events from one connection are handled in arrival order.
func (h *Hub) dispatch(c *Client, env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventJoinDocument:
		err = h.handleJoin(c, env)
	case protocol.EventLeaveDocument:
		err = h.handleLeave(c, env)
	case protocol.EventSendChanges:
		err = h.handleSendChanges(c, env)
	case protocol.EventRequestSync:
		err = h.handleRequestSync(c, env)
	case protocol.EventSetUserIdentity:
		err = h.handleSetIdentity(c, env)
	case protocol.EventCursorMove:
		err = h.handleCursorMove(c, env)
	case protocol.EventAIGenerate:
		err = h.handleGenerate(c, env)
	default:
		err = protocol.NewError(protocol.CodeProtocolError, env.Event, "unknown event")
	}

	if err != nil {
		perr := toProtocolError(env.Event, err)
		if perr.Code == protocol.CodeBackendFailure {
			slog.Error("event failed", "event", env.Event, "connection", c.id, "err", err)
		} else {
			slog.Debug("event rejected", "event", env.Event, "connection", c.id, "err", err)
		}
		c.sendError(perr)
	}
}

func (h *Hub) handleJoin(c *Client, env protocol.Envelope) error {
	var ref protocol.DocumentRef
	if err := env.Payload(&ref); err != nil {
		return err
	}
	if ref.DocumentID == "" {
		return protocol.NewError(protocol.CodeProtocolError, env.Event, "documentId is required")
	}

	if previous := h.registry.Join(c.id, ref.DocumentID); previous != "" {
		h.broadcastMembers(previous)
		h.broadcastCursorRemove(previous, c.id)
	}
	// disconnect cancels ctx before it clears the registry, so a join that
	// lands after the cleanup is caught here.
	if c.ctx.Err() != nil {
		h.registry.Leave(c.id, ref.DocumentID)
		slog.Debug("join dropped for closed connection", "connection", c.id, "document", ref.DocumentID)
		return nil
	}

	err := h.syncer.Resync(c.ctx, ref.DocumentID, func(st document.State) {
		c.sendEvent(protocol.EventDocumentState, stateMessage(st))
	})
	if err != nil {
		h.registry.Leave(c.id, ref.DocumentID)
		return err
	}

	slog.Info("client joined document", "connection", c.id, "document", ref.DocumentID)
	h.broadcastMembers(ref.DocumentID)
	return nil
}

func (h *Hub) handleLeave(c *Client, env protocol.Envelope) error {
	var ref protocol.DocumentRef
	if err := env.Payload(&ref); err != nil {
		return err
	}
	if !h.registry.Leave(c.id, ref.DocumentID) {
		return protocol.NewError(protocol.CodeProtocolError, env.Event, "not a member of this document")
	}
	c.cancelGeneration()

	slog.Info("client left document", "connection", c.id, "document", ref.DocumentID)
	h.broadcastMembers(ref.DocumentID)
	h.broadcastCursorRemove(ref.DocumentID, c.id)
	return nil
}

func (h *Hub) handleSendChanges(c *Client, env protocol.Envelope) error {
	var msg protocol.SendChanges
	if err := env.Payload(&msg); err != nil {
		return err
	}
	if !h.registry.IsMember(c.id, msg.DocumentID) {
		return protocol.NewError(protocol.CodeProtocolError, env.Event, "join the document before sending changes")
	}
	_, err := h.syncer.Submit(c.ctx, msg.DocumentID, msg.Content, c.id)
	return err
}

func (h *Hub) handleRequestSync(c *Client, env protocol.Envelope) error {
	var ref protocol.DocumentRef
	if err := env.Payload(&ref); err != nil {
		return err
	}
	if !h.registry.IsMember(c.id, ref.DocumentID) {
		return protocol.NewError(protocol.CodeProtocolError, env.Event, "join the document before requesting sync")
	}
	return h.syncer.Resync(c.ctx, ref.DocumentID, func(st document.State) {
		c.sendEvent(protocol.EventDocumentState, stateMessage(st))
	})
}

func (h *Hub) handleSetIdentity(c *Client, env protocol.Envelope) error {
	var msg protocol.SetUserIdentity
	if err := env.Payload(&msg); err != nil {
		return err
	}
	h.registry.SetIdentity(c.id, msg.DocumentID, msg.DisplayName, msg.ColorTag)

	if documentID, ok := h.registry.RoomOf(c.id); ok {
		h.broadcastMembers(documentID)
	}
	return nil
}

func (h *Hub) handleCursorMove(c *Client, env protocol.Envelope) error {
	var msg protocol.CursorMove
	if err := env.Payload(&msg); err != nil {
		return err
	}
	if !h.registry.IsMember(c.id, msg.DocumentID) {
		return protocol.NewError(protocol.CodeProtocolError, env.Event, "join the document before moving the cursor")
	}

	update := protocol.CursorUpdate{
		DocumentID:   msg.DocumentID,
		ConnectionID: c.id,
		Position:     msg.Position,
		Selection:    msg.Selection,
	}
	if id, ok := h.registry.IdentityOf(c.id); ok {
		update.DisplayName = id.DisplayName
		update.ColorTag = id.ColorTag
	}
	h.broadcastEvent(msg.DocumentID, protocol.EventCursorUpdate, update, c.id)
	return nil
}

// handleGenerate starts a stream in its own goroutine so the connection
// keeps processing edits while chunks arrive.
func (h *Hub) handleGenerate(c *Client, env protocol.Envelope) error {
	var msg protocol.AIGenerate
	if err := env.Payload(&msg); err != nil {
		return err
	}
	action, err := ai.ParseAction(msg.Action)
	if err != nil {
		return err
	}
	req := ai.Request{
		Code:          msg.Code,
		Language:      msg.Language,
		CursorContext: msg.CursorContext,
		UserPrompt:    msg.UserPrompt,
		Action:        action,
	}

	ctx, streamID, ok := c.startGeneration()
	if !ok {
		return nil
	}
	go h.runGeneration(ctx, c, streamID, req)
	return nil
}

func (h *Hub) runGeneration(ctx context.Context, c *Client, streamID string, req ai.Request) {
	defer c.finishGeneration(streamID)

	err := h.streamer.Stream(ctx, c.id, req, func(chunk string) {
		c.sendEvent(protocol.EventAIChunk, protocol.AIChunk{StreamID: streamID, Chunk: chunk})
	})
	switch {
	case err == nil:
		c.sendEvent(protocol.EventAIComplete, protocol.AIComplete{StreamID: streamID})
	case errors.Is(err, context.Canceled):
		slog.Debug("generation cancelled", "connection", c.id, "stream", streamID)
	default:
		perr := toProtocolError(protocol.EventAIGenerate, err)
		c.sendEvent(protocol.EventAIError, protocol.AIError{
			StreamID: streamID,
			Code:     perr.Code,
			Message:  perr.Message,
		})
	}
}

func stateMessage(st document.State) protocol.DocumentState {
	return protocol.DocumentState{
		DocumentID:   st.DocumentID,
		Content:      st.Content,
		Version:      st.Version,
		LastModified: st.LastModified,
	}
}

// toProtocolError classifies err into the error taxonomy sent to clients.
func toProtocolError(event protocol.Event, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, document.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, event, "document not found")
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return protocol.NewError(protocol.CodeRateLimited, event, "rate limit exceeded, try again later")
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, ai.ErrInvalidRequest):
		return protocol.NewError(protocol.CodeProtocolError, event, err.Error())
	case errors.Is(err, ai.ErrBackend):
		return protocol.NewError(protocol.CodeBackendFailure, event, "generation failed")
	default:
		return protocol.NewError(protocol.CodeBackendFailure, event, "internal error")
	}
}
