package room

import (
	"slices"
	"time"

	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

type joinReq struct {
	user   types.User
	connId string
	reply  chan joinResult
}

type joinResult struct {
	res JoinResult
	err error
}

type leaveReq struct {
	userId string
	reply  chan error
}

type startReq struct {
	userId string
	reply  chan error
}

type closeReq struct {
	userId string
	reason string
	// force skips the host check; used on shutdown
	force bool
	reply chan error
}

type relayReq struct {
	userId  string
	name    string
	payload any
	reply   chan error
}

type snapshotReq struct {
	reply chan types.RoomSnapshot
}

type disconnectReq struct {
	userId string
	connId string
}

type graceExpired struct {
	userId string
	connId string
}

// Room is the serialization unit of one quiz room. All state is owned by the
// goroutine running start; other goroutines talk to it through inbox.
type Room struct {
	code      string
	quizId    string
	hostId    string
	state     types.RoomState
	capacity  int
	createdAt time.Time
	players   []types.Player
	joinSeq   int

	co     *Coordinator
	logger *zap.Logger
	inbox  chan any
	// done is closed when the actor has exited
	done chan struct{}

	graceTimers map[string]*time.Timer
	// killTimer closes the room when nobody has been connected for
	// IdleRoomTimeout
	killTimer *time.Timer
}

func newRoom(co *Coordinator, code, quizId string, capacity int, host types.User, connId string) *Room {
	r := &Room{
		code:        code,
		quizId:      quizId,
		hostId:      host.Id,
		state:       types.RoomOpen,
		capacity:    capacity,
		createdAt:   types.Now(),
		co:          co,
		logger:      co.logger.With(zap.String("room", code)),
		inbox:       make(chan any, 64),
		done:        make(chan struct{}),
		graceTimers: make(map[string]*time.Timer),
	}
	r.addPlayer(host, connId)

	return r
}

func (r *Room) start() {
	defer close(r.done)
	r.logger.Info("starting room", zap.String("host", r.hostId), zap.String("quiz", r.quizId))

	r.killTimer = time.NewTimer(r.co.cfg.IdleRoomTimeout)
	r.killTimer.Stop()

	r.publish(types.RoomCreated{
		RoomId:   r.code,
		QuizId:   r.quizId,
		HostId:   r.hostId,
		Capacity: r.capacity,
	}, r.players[:1], "")
	r.broadcast(types.PlayerJoined{
		QuizId:     r.quizId,
		RoomId:     r.code,
		PlayerList: r.snapshot().Players,
		HostId:     r.hostId,
	}, "")

	for {
		select {
		case msg := <-r.inbox:
			r.handle(msg)
		case <-r.killTimer.C:
			r.logger.Info("room idle, closing")
			r.close(types.CloseReasonIdle)
		}

		if r.state == types.RoomClosed {
			r.shutdown()
			return
		}
	}
}

func (r *Room) handle(msg any) {
	switch req := msg.(type) {
	case joinReq:
		res, err := r.handleJoin(req.user, req.connId)
		req.reply <- joinResult{res: res, err: err}
	case leaveReq:
		req.reply <- r.handleLeave(req.userId)
	case startReq:
		req.reply <- r.handleStart(req.userId)
	case closeReq:
		req.reply <- r.handleClose(req)
	case relayReq:
		req.reply <- r.handleRelay(req)
	case snapshotReq:
		req.reply <- r.snapshot()
	case disconnectReq:
		r.handleDisconnect(req.userId, req.connId)
	case graceExpired:
		r.handleGraceExpired(req.userId, req.connId)
	default:
		r.logger.Warn("unknown room request", zap.Any("request", msg))
	}
}

func (r *Room) handleJoin(user types.User, connId string) (JoinResult, error) {
	if i := r.playerIndex(user.Id); i >= 0 {
		// rejoin: re-point the player at the new connection, roster unchanged
		r.stopGraceTimer(user.Id)
		r.players[i].ConnectionId = connId
		r.players[i].Connected = true
		r.updateKillTimer()
		r.logger.Debug("player rejoined", zap.String("user", user.Id), zap.String("conn", connId))

		return JoinResult{Snapshot: r.snapshot(), Rejoined: true}, nil
	}

	if r.state != types.RoomOpen {
		return JoinResult{}, types.ErrRoomClosed
	}

	if len(r.players) >= r.capacity {
		return JoinResult{}, types.ErrRoomFull
	}

	r.addPlayer(user, connId)
	r.updateKillTimer()
	r.logger.Info("player joined", zap.String("user", user.Id), zap.Int("players", len(r.players)))

	snap := r.snapshot()
	r.broadcast(types.PlayerJoined{
		QuizId:     r.quizId,
		RoomId:     r.code,
		PlayerList: snap.Players,
		HostId:     r.hostId,
	}, "")

	return JoinResult{Snapshot: snap}, nil
}

func (r *Room) handleLeave(userId string) error {
	if r.playerIndex(userId) < 0 {
		return nil
	}

	r.removePlayer(userId)
	return nil
}

// removePlayer drops userId from the roster. A leaving host closes the room.
func (r *Room) removePlayer(userId string) {
	// the leaver is still on the roster so it receives the event too
	audience := slices.Clone(r.players)
	r.stopGraceTimer(userId)
	r.players = slices.DeleteFunc(r.players, func(p types.Player) bool {
		return p.UserId == userId
	})
	r.logger.Info("player left", zap.String("user", userId), zap.Int("players", len(r.players)))

	r.publish(types.PlayerLeft{
		RoomId:     r.code,
		UserId:     userId,
		PlayerList: r.snapshot().Players,
	}, audience, "")

	if userId == r.hostId {
		r.close(types.CloseReasonHostLeft)
		return
	}

	r.updateKillTimer()
}

func (r *Room) handleStart(userId string) error {
	if userId != r.hostId {
		return types.ErrForbidden.WithMessage("only the host can start the game")
	}

	if r.state != types.RoomOpen {
		return types.ErrRoomClosed.WithMessage("game already started")
	}

	r.state = types.RoomInProgress
	r.logger.Info("game started")
	r.broadcast(types.GameStarted{RoomId: r.code, QuizId: r.quizId}, "")

	return nil
}

func (r *Room) handleClose(req closeReq) error {
	if !req.force && req.userId != r.hostId {
		return types.ErrForbidden.WithMessage("only the host can close the room")
	}

	r.close(req.reason)
	return nil
}

func (r *Room) handleRelay(req relayReq) error {
	if r.playerIndex(req.userId) < 0 {
		return types.ErrForbidden.WithMessage("not a member of this room")
	}

	r.broadcast(types.RoomEvent{
		RoomId:     r.code,
		FromUserId: req.userId,
		Name:       req.name,
		Payload:    req.payload,
	}, "")

	return nil
}

func (r *Room) handleDisconnect(userId, connId string) {
	i := r.playerIndex(userId)
	if i < 0 || r.players[i].ConnectionId != connId {
		// the player already moved to another connection
		return
	}

	r.players[i].Connected = false
	r.logger.Debug("player disconnected", zap.String("user", userId), zap.String("conn", connId))

	if grace := r.co.cfg.RosterGraceTimeout; grace > 0 {
		r.stopGraceTimer(userId)
		r.graceTimers[userId] = time.AfterFunc(grace, func() {
			r.send(graceExpired{userId: userId, connId: connId})
		})
	}

	r.updateKillTimer()
}

func (r *Room) handleGraceExpired(userId, connId string) {
	i := r.playerIndex(userId)
	if i < 0 || r.players[i].Connected || r.players[i].ConnectionId != connId {
		return
	}

	delete(r.graceTimers, userId)
	r.logger.Info("evicting disconnected player", zap.String("user", userId))
	r.removePlayer(userId)
}

func (r *Room) close(reason string) {
	if r.state == types.RoomClosed {
		return
	}

	r.state = types.RoomClosed
	r.logger.Info("room closed", zap.String("reason", reason))
	r.broadcast(types.RoomClosedEvent{RoomId: r.code, Reason: reason}, "")
}

func (r *Room) shutdown() {
	r.killTimer.Stop()
	for userId := range r.graceTimers {
		r.stopGraceTimer(userId)
	}
	r.co.remove(r)
}

// send delivers msg to the actor unless it has exited.
func (r *Room) send(msg any) bool {
	select {
	case r.inbox <- msg:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) addPlayer(user types.User, connId string) {
	r.joinSeq++
	r.players = append(r.players, types.Player{
		UserId:       user.Id,
		DisplayName:  user.Name,
		JoinSeq:      r.joinSeq,
		ConnectionId: connId,
		Connected:    true,
	})
}

func (r *Room) playerIndex(userId string) int {
	return slices.IndexFunc(r.players, func(p types.Player) bool {
		return p.UserId == userId
	})
}

func (r *Room) stopGraceTimer(userId string) {
	if t, ok := r.graceTimers[userId]; ok {
		t.Stop()
		delete(r.graceTimers, userId)
	}
}

func (r *Room) updateKillTimer() {
	if r.killTimer == nil {
		return
	}

	for _, p := range r.players {
		if p.Connected {
			r.killTimer.Stop()
			return
		}
	}

	r.logger.Debug("no connected players, starting kill timer")
	r.killTimer.Reset(r.co.cfg.IdleRoomTimeout)
}

func (r *Room) snapshot() types.RoomSnapshot {
	return types.RoomSnapshot{
		RoomId:    r.code,
		QuizId:    r.quizId,
		HostId:    r.hostId,
		State:     r.state,
		Capacity:  r.capacity,
		Players:   slices.Clone(r.players),
		CreatedAt: r.createdAt,
	}
}

func (r *Room) broadcast(ev types.Event, skipConnId string) {
	r.publish(ev, r.players, skipConnId)
}

// publish addresses ev to the connections players are bound to in this room.
// Other connections of the same users do not receive it.
func (r *Room) publish(ev types.Event, players []types.Player, skipConnId string) {
	userIds := make([]string, 0, len(players))
	connIds := make([]string, 0, len(players))
	for _, p := range players {
		userIds = append(userIds, p.UserId)
		if p.ConnectionId != "" {
			connIds = append(connIds, p.ConnectionId)
		}
	}

	r.co.outbox.Send(broker.Envelope{
		Key: "room:" + r.code,
		Audience: broker.Audience{
			Hub:              types.RoomHub,
			UserIds:          userIds,
			Room:             r.code,
			ConnectionIds:    connIds,
			SkipConnectionId: skipConnId,
		},
		Event: ev,
	})
}
