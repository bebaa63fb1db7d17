package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/game/world"
)

// Gameplay commands understood by WorldHandler.
const (
	CommandMove  session.Command = "move"
	CommandPlace session.Command = "place"
	CommandLook  session.Command = "look"
)

// Reply commands sent by WorldHandler.
const (
	ReplyState session.Command = "state"
	ReplyError session.Command = "error"
)

// Actions is what a Handler may do to a live session.
type Actions interface {
	Mutate(id session.UserID, fn func(*world.State, *world.Position)) error
	EnqueueOutbound(id session.UserID, p session.Packet) error
}

// Handler interprets gameplay packets. It is called once per tick per session
// with every packet received since the previous tick, in arrival order.
type Handler interface {
	Handle(ctx context.Context, id session.UserID, packets []session.Packet, act Actions) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id session.UserID, packets []session.Packet, act Actions) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, id session.UserID, packets []session.Packet, act Actions) error {
	return f(ctx, id, packets, act)
}

// MoveRequest is the payload of a move command.
type MoveRequest struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// PlaceRequest is the payload of a place command.
type PlaceRequest struct {
	X    int32  `json:"x"`
	Y    int32  `json:"y"`
	Tile string `json:"tile"`
}

// StateReply is the payload of a state reply.
type StateReply struct {
	Position world.Position `json:"position"`
	Tile     world.Tile     `json:"tile"`
}

// ErrorReply is the payload of an error reply.
type ErrorReply struct {
	Message string `json:"message"`
}

// WorldHandler handles movement, tile placement, and look commands against
// the player's own world state.
type WorldHandler struct{}

// NewWorldHandler creates a WorldHandler.
func NewWorldHandler() *WorldHandler {
	return &WorldHandler{}
}

// Handle applies packets in order and queues one reply per packet.
//
// Postcondition: Rejected commands produce an error reply, not an error
// return. A non-nil error means a reply could not be queued.
func (h *WorldHandler) Handle(_ context.Context, id session.UserID, packets []session.Packet, act Actions) error {
	var errs []error
	for _, p := range packets {
		reply := h.apply(id, p, act)
		reply.Seq = p.Seq
		if err := act.EnqueueOutbound(id, reply); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *WorldHandler) apply(id session.UserID, p session.Packet, act Actions) session.Packet {
	var (
		view StateReply
		err  error
	)
	switch p.Command {
	case CommandMove:
		var req MoveRequest
		if err = json.Unmarshal(p.Payload, &req); err != nil {
			return errorPacket(fmt.Sprintf("bad move payload: %v", err))
		}
		err = h.mutate(id, act, &view, func(w *world.State, pos *world.Position) error {
			if _, terr := w.Tile(int(req.X), int(req.Y)); terr != nil {
				return terr
			}
			pos.X, pos.Y = req.X, req.Y
			return nil
		})
	case CommandPlace:
		var req PlaceRequest
		if err = json.Unmarshal(p.Payload, &req); err != nil {
			return errorPacket(fmt.Sprintf("bad place payload: %v", err))
		}
		if req.Tile == "" {
			return errorPacket("tile name must not be empty")
		}
		err = h.mutate(id, act, &view, func(w *world.State, _ *world.Position) error {
			return w.SetTile(int(req.X), int(req.Y), world.Tile{Name: req.Tile})
		})
	case CommandLook:
		err = h.mutate(id, act, &view, func(*world.State, *world.Position) error { return nil })
	default:
		return errorPacket(fmt.Sprintf("unknown command %q", p.Command))
	}
	if err != nil {
		return errorPacket(err.Error())
	}
	return payloadPacket(ReplyState, view)
}

// mutate runs fn under the registry lock and captures the resulting view.
func (h *WorldHandler) mutate(id session.UserID, act Actions, view *StateReply, fn func(*world.State, *world.Position) error) error {
	var inner error
	err := act.Mutate(id, func(w *world.State, pos *world.Position) {
		if inner = fn(w, pos); inner != nil {
			return
		}
		view.Position = *pos
		view.Tile, _ = w.Tile(int(pos.X), int(pos.Y))
	})
	if err != nil {
		return err
	}
	return inner
}

func payloadPacket(cmd session.Command, v any) session.Packet {
	data, err := json.Marshal(v)
	if err != nil {
		return errorPacket(err.Error())
	}
	return session.Packet{Command: cmd, Payload: data}
}

func errorPacket(msg string) session.Packet {
	data, _ := json.Marshal(ErrorReply{Message: msg})
	return session.Packet{Command: ReplyError, Payload: data}
}
