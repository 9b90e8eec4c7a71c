package server

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/npezzotti/quizhub/internal/room"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

// RoomService is the room coordinator as seen by the room hub.
type RoomService interface {
	CreateRoom(ctx context.Context, host types.User, connId, quizId string, capacity int) (types.RoomSnapshot, error)
	JoinRoom(ctx context.Context, code string, user types.User, connId string) (room.JoinResult, error)
	LeaveRoom(ctx context.Context, code, userId string) error
	StartGame(ctx context.Context, code, userId string) error
	CloseRoom(ctx context.Context, code, userId string) error
	RelayRoomEvent(ctx context.Context, code, userId, name string, payload any) error
	Disconnected(code, userId, connId string)
}

// ChatService is the channel store as seen by the chat hub.
type ChatService interface {
	AppendMessage(ctx context.Context, userId string, groupId int64, body, clientMessageId string) (types.Message, error)
	LoadHistory(ctx context.Context, userId string, groupId int64, page, limit int, watermark int64) (types.LoadMessageHistory, error)
	Backfill(ctx context.Context, userId string, groupId, afterSequence int64) (types.Backfill, error)
	MarkRead(ctx context.Context, userId string, groupId, upto int64, connId string) (int64, bool, error)
	GetUnreadCounts(ctx context.Context, userId string) ([]types.UnreadCount, error)
	Authorize(ctx context.Context, userId string, groupId int64) error
}

type CreateRoomArgs struct {
	QuizId   string `json:"QuizId" validate:"required,max=64"`
	Capacity int    `json:"Capacity" validate:"gte=0,lte=1000"`
}

type JoinRoomArgs struct {
	UserId string `json:"userId"`
	RoomId string `json:"roomId" validate:"required,max=16"`
}

type RoomArgs struct {
	RoomId string `json:"RoomId" validate:"required,max=16"`
}

type RelayRoomEventArgs struct {
	RoomId  string `json:"RoomId" validate:"required,max=16"`
	Name    string `json:"Name" validate:"required,max=64"`
	Payload any    `json:"Payload"`
}

type SendMessageArgs struct {
	GroupId         int64  `json:"GroupId" validate:"required,gt=0"`
	UserId          string `json:"UserId"`
	Message         string `json:"Message" validate:"required"`
	ClientMessageId string `json:"ClientMessageId" validate:"max=64"`
}

type LoadMessageHistoryArgs struct {
	GroupId   int64 `json:"GroupId" validate:"required,gt=0"`
	Page      int   `json:"Page" validate:"gte=0"`
	Limit     int   `json:"Limit" validate:"gte=0"`
	Watermark int64 `json:"Watermark" validate:"gte=0"`
}

type MarkMessagesAsReadArgs struct {
	GroupId      int64  `json:"GroupId" validate:"required,gt=0"`
	UserId       string `json:"UserId"`
	UptoSequence int64  `json:"UptoSequence" validate:"gte=0"`
}

type GetUnreadMessageCountsArgs struct {
	UserId string `json:"UserId"`
}

type JoinGroupArgs struct {
	GroupId      int64 `json:"GroupId" validate:"required,gt=0"`
	LastSequence int64 `json:"LastSequence" validate:"gte=0"`
}

type BackfillArgs struct {
	GroupId       int64 `json:"GroupId" validate:"required,gt=0"`
	AfterSequence int64 `json:"AfterSequence" validate:"gte=0"`
}

type GroupArgs struct {
	GroupId int64 `json:"GroupId" validate:"required,gt=0"`
}

type handlerFunc func(ctx context.Context, c *Client, f *ClientFrame) error

type binder struct {
	validate *validator.Validate
	trans    ut.Translator
}

func newBinder() *binder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enT := en.New()
	trans, _ := ut.New(enT, enT).GetTranslator("en")
	// the default english translations always register
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	return &binder{validate: v, trans: trans}
}

// bind decodes the invocation arguments into v and validates them.
func (b *binder) bind(c *Client, f *ClientFrame, v any) error {
	if err := c.codec.DecodeArgs(f.Arguments, v); err != nil {
		return types.ErrInvalidPayload.Wrap(err)
	}

	if err := b.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, msg := range verrs.Translate(b.trans) {
				msgs = append(msgs, msg)
			}
			slices.Sort(msgs)
			return types.ErrInvalidPayload.WithMessage(strings.Join(msgs, "; "))
		}
		return types.ErrInvalidPayload.Wrap(err)
	}

	return nil
}

func (s *Server) registerHandlers() {
	s.handlers = map[types.Hub]map[string]handlerFunc{
		types.RoomHub: {
			"CreateRoom":     s.createRoom,
			"JoinRoom":       s.joinRoom,
			"LeaveRoom":      s.leaveRoom,
			"StartGame":      s.startGame,
			"CloseRoom":      s.closeRoom,
			"RelayRoomEvent": s.relayRoomEvent,
		},
		types.ChatHub: {
			"SendMessage":            s.sendMessage,
			"LoadMessageHistory":     s.loadMessageHistory,
			"MarkMessagesAsRead":     s.markMessagesAsRead,
			"GetUnreadMessageCounts": s.getUnreadMessageCounts,
			"JoinGroup":              s.joinGroup,
			"Backfill":               s.backfill,
			"LeaveGroup":             s.leaveGroup,
		},
	}
}

// invoke runs one invocation. Payload errors fail the completion itself;
// authorization and state errors are acknowledged and then pushed as an
// error event.
func (s *Server) invoke(ctx context.Context, c *Client, f *ClientFrame) {
	h, ok := s.handlers[c.hub][f.Target]
	if !ok {
		c.queue(CompletionError(f.InvocationId, types.ErrInvalidPayload.WithMessage("unknown method "+f.Target)))
		return
	}

	err := h(ctx, c, f)
	switch {
	case err == nil:
		c.queue(Completion(f.InvocationId))
	case errors.Is(err, types.ErrInvalidPayload):
		c.queue(CompletionError(f.InvocationId, err))
	default:
		he := types.AsHubError(err)
		if he.Code == types.ErrInternal.Code || he.Code == types.ErrUnavailable.Code {
			c.logger.Error("invocation failed", zap.String("target", f.Target), zap.Error(err))
		} else {
			c.logger.Debug("invocation rejected", zap.String("target", f.Target), zap.Error(err))
		}
		c.queue(Completion(f.InvocationId))
		c.queue(EventFrame(types.NewErrorEvent(err)))
	}
}

// checkUser rejects payloads that name a user other than the caller.
func checkUser(c *Client, userId string) error {
	if userId != "" && userId != c.user.Id {
		return types.ErrForbidden.WithMessage("user id does not match the connection")
	}
	return nil
}

func (s *Server) createRoom(ctx context.Context, c *Client, f *ClientFrame) error {
	var args CreateRoomArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	snap, err := s.rooms.CreateRoom(ctx, c.user, c.id, args.QuizId, args.Capacity)
	if err != nil {
		return err
	}
	c.addRoom(snap.RoomId)

	return nil
}

func (s *Server) joinRoom(ctx context.Context, c *Client, f *ClientFrame) error {
	var args JoinRoomArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	if err := checkUser(c, args.UserId); err != nil {
		return err
	}

	res, err := s.rooms.JoinRoom(ctx, args.RoomId, c.user, c.id)
	if err != nil {
		return err
	}
	c.addRoom(res.Snapshot.RoomId)

	if res.Rejoined {
		// nobody else was told; the caller still needs the roster
		c.deliver(types.PlayerJoined{
			QuizId:     res.Snapshot.QuizId,
			RoomId:     res.Snapshot.RoomId,
			PlayerList: res.Snapshot.Players,
			HostId:     res.Snapshot.HostId,
		})
	}

	return nil
}

func (s *Server) leaveRoom(ctx context.Context, c *Client, f *ClientFrame) error {
	var args RoomArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	code := room.NormalizeCode(args.RoomId)
	if err := s.rooms.LeaveRoom(ctx, code, c.user.Id); err != nil {
		return err
	}
	c.delRoom(code)

	return nil
}

func (s *Server) startGame(ctx context.Context, c *Client, f *ClientFrame) error {
	var args RoomArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	return s.rooms.StartGame(ctx, args.RoomId, c.user.Id)
}

func (s *Server) closeRoom(ctx context.Context, c *Client, f *ClientFrame) error {
	var args RoomArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	code := room.NormalizeCode(args.RoomId)
	if err := s.rooms.CloseRoom(ctx, code, c.user.Id); err != nil {
		return err
	}
	c.delRoom(code)

	return nil
}

func (s *Server) relayRoomEvent(ctx context.Context, c *Client, f *ClientFrame) error {
	var args RelayRoomEventArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	return s.rooms.RelayRoomEvent(ctx, args.RoomId, c.user.Id, args.Name, args.Payload)
}

func (s *Server) sendMessage(ctx context.Context, c *Client, f *ClientFrame) error {
	var args SendMessageArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	if err := checkUser(c, args.UserId); err != nil {
		return err
	}

	_, err := s.chat.AppendMessage(ctx, c.user.Id, args.GroupId, args.Message, args.ClientMessageId)
	return err
}

func (s *Server) loadMessageHistory(ctx context.Context, c *Client, f *ClientFrame) error {
	var args LoadMessageHistoryArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	hist, err := s.chat.LoadHistory(ctx, c.user.Id, args.GroupId, args.Page, args.Limit, args.Watermark)
	if err != nil {
		return err
	}
	c.deliver(hist)

	return nil
}

func (s *Server) markMessagesAsRead(ctx context.Context, c *Client, f *ClientFrame) error {
	var args MarkMessagesAsReadArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	if err := checkUser(c, args.UserId); err != nil {
		return err
	}

	_, _, err := s.chat.MarkRead(ctx, c.user.Id, args.GroupId, args.UptoSequence, c.id)
	return err
}

func (s *Server) getUnreadMessageCounts(ctx context.Context, c *Client, f *ClientFrame) error {
	var args GetUnreadMessageCountsArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	if err := checkUser(c, args.UserId); err != nil {
		return err
	}

	counts, err := s.chat.GetUnreadCounts(ctx, c.user.Id)
	if err != nil {
		return err
	}
	c.deliver(types.UnreadMessageCounts(counts))

	return nil
}

// joinGroup follows a group on this connection and replays what the client
// missed since LastSequence.
func (s *Server) joinGroup(ctx context.Context, c *Client, f *ClientFrame) error {
	var args JoinGroupArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	bf, err := s.chat.Backfill(ctx, c.user.Id, args.GroupId, args.LastSequence)
	if err != nil {
		return err
	}

	last := args.LastSequence
	if n := len(bf.Messages); n > 0 {
		last = bf.Messages[n-1].Sequence
	}
	c.subscribe(args.GroupId, last)
	c.deliver(bf)

	return nil
}

func (s *Server) backfill(ctx context.Context, c *Client, f *ClientFrame) error {
	var args BackfillArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}

	bf, err := s.chat.Backfill(ctx, c.user.Id, args.GroupId, args.AfterSequence)
	if err != nil {
		return err
	}
	c.deliver(bf)

	return nil
}

func (s *Server) leaveGroup(ctx context.Context, c *Client, f *ClientFrame) error {
	var args GroupArgs
	if err := s.binder.bind(c, f, &args); err != nil {
		return err
	}
	c.unsubscribe(args.GroupId)
	return nil
}
