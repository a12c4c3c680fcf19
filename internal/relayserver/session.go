package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/dimspell/relayhost/internal/relay"
)

var (
	errMissingName      = errors.New("relayserver: player name is required")
	errGameStarted      = errors.New("relayserver: game already started")
	errNotAdmin         = errors.New("relayserver: only the room admin may send this packet")
	errUnexpectedPacket = errors.New("relayserver: unexpected packet")
)

// Disconnect reasons reported in metrics.
const (
	reasonKicked     = "kicked"
	reasonRoomClosed = "room_closed"
	reasonLeft       = "left"
)

// session is a peer that completed the handshake and belongs to a room.
type session struct {
	room   *relay.Room
	peer   *peer
	logger *slog.Logger
}

func (s *session) isAdmin() bool {
	return s.room.Admin() == relay.Connection(s.peer)
}

// rejectReason maps errors to the reason sent to the client.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, relay.ErrRoomNotFound):
		return "room does not exist"
	case errors.Is(err, relay.ErrRoomClosed):
		return "room is closed"
	case errors.Is(err, relay.ErrRoomFull):
		return "room is full"
	case errors.Is(err, relay.ErrChallengeInvalid):
		return "proof of work rejected"
	case errors.Is(err, relay.ErrIDPoolExhausted):
		return "no free room id"
	case errors.Is(err, errGameStarted):
		return "game already started"
	case errors.Is(err, errMissingName):
		return "player name is required"
	default:
		return "bad handshake"
	}
}

func (s *Server) send(ctx context.Context, l link, t packet.Type, body any) error {
	p, err := packet.Marshal(t, body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return l.WritePacket(ctx, p)
}

// reject tells the client why the handshake failed and returns err.
func (s *Server) reject(ctx context.Context, l link, err error) error {
	p, ferr := s.factory.Error(rejectReason(err))
	if ferr != nil {
		return errors.Join(err, ferr)
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	_ = l.WritePacket(wctx, p)
	return err
}

func (s *Server) handshake(ctx context.Context, l link) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	p, err := l.ReadPacket(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read hello: %w", err)
	}
	metrics.PacketIn.Inc()

	var hello packet.HelloBody
	if err := packet.Unmarshal(p, packet.Hello, &hello); err != nil {
		return nil, s.reject(ctx, l, err)
	}
	name := strings.TrimSpace(hello.Name)
	if name == "" {
		return nil, s.reject(ctx, l, errMissingName)
	}

	pr := newPeer(name, l, s.writeTimeout)
	if hello.Create {
		return s.createRoom(ctx, l, pr, hello)
	}
	return s.joinRoom(ctx, l, pr, hello)
}

// createRoom makes the peer the admin of a new room once it solved a
// proof-of-work challenge.
func (s *Server) createRoom(ctx context.Context, l link, pr *peer, hello packet.HelloBody) (*session, error) {
	ch, err := s.registry.IssueChallenge()
	if err != nil {
		return nil, s.reject(ctx, l, err)
	}
	err = s.send(ctx, l, packet.Challenge, packet.ChallengeBody{
		Nonce:      ch.Nonce,
		Difficulty: ch.Difficulty,
		ExpiresAt:  ch.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	p, err := l.ReadPacket(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read challenge answer: %w", err)
	}
	metrics.PacketIn.Inc()

	var answer packet.ChallengeAnswerBody
	if err := packet.Unmarshal(p, packet.ChallengeAnswer, &answer); err != nil {
		return nil, s.reject(ctx, l, err)
	}
	if err := s.registry.RedeemChallenge(answer.Nonce, answer.Solution); err != nil {
		return nil, s.reject(ctx, l, err)
	}

	room, err := s.registry.CreateManaged(relay.CreateParams{
		ID:          hello.RoomID,
		CreatorName: pr.Name(),
		Modded:      hello.Modded,
		Beta:        hello.Beta,
		Version:     hello.Version,
		MaxPlayers:  hello.MaxPlayers,
	})
	if err != nil {
		return nil, s.reject(ctx, l, err)
	}
	room.SetAdmin(pr)
	room.TrackConnected()

	err = s.send(ctx, l, packet.Joined, packet.JoinedBody{
		RoomID:       room.PublicID(),
		Slot:         packet.AdminSlot,
		Admin:        true,
		SessionToken: room.SessionToken().String(),
	})
	if err != nil {
		room.Close()
		return nil, err
	}

	return &session{
		room:   room,
		peer:   pr,
		logger: room.Logger().With(logging.PeerName(pr.Name()), logging.PeerAddr(pr.RemoteAddr())),
	}, nil
}

func (s *Server) joinRoom(ctx context.Context, l link, pr *peer, hello packet.HelloBody) (*session, error) {
	room, ok := s.registry.Lookup(hello.RoomID)
	if !ok {
		return nil, s.reject(ctx, l, fmt.Errorf("%w: %q", relay.ErrRoomNotFound, hello.RoomID))
	}
	if room.IsStarted() {
		return nil, s.reject(ctx, l, errGameStarted)
	}

	slot, err := room.Admit(pr)
	if err != nil {
		return nil, s.reject(ctx, l, err)
	}
	pr.setSlot(slot)

	err = s.send(ctx, l, packet.Joined, packet.JoinedBody{
		RoomID:       room.PublicID(),
		Slot:         int32(slot),
		SessionToken: room.SessionToken().String(),
	})
	if err != nil {
		room.Leave(slot, pr)
		return nil, err
	}

	sess := &session{
		room:   room,
		peer:   pr,
		logger: room.Logger().With(logging.PeerName(pr.Name()), logging.PeerAddr(pr.RemoteAddr()), logging.Slot(slot)),
	}
	joined, err := packet.Marshal(packet.PlayerJoined, packet.PlayerBody{
		Slot: int32(slot),
		Name: pr.Name(),
		Addr: pr.RemoteAddr(),
	})
	if err == nil {
		err = room.SendToAdmin(ctx, joined, relay.ChannelReliable)
	}
	if err != nil {
		sess.logger.Warn("Could not notify the admin about the new member", logging.Error(err))
	}
	return sess, nil
}

func (s *Server) readLoop(ctx context.Context, sess *session, read func(context.Context) (packet.Packet, error), ch relay.Channel) error {
	for {
		p, err := read(ctx)
		if err != nil {
			return err
		}
		metrics.PacketIn.Inc()
		metrics.BytesReceived.Add(float64(p.Len()))

		if err := s.route(ctx, sess, p, ch); err != nil {
			metrics.PacketsDropped.WithLabelValues("unroutable").Inc()
			sess.logger.Debug("Dropped packet", logging.Error(err), "type", p.Type.String(), "channel", ch)
		}
	}
}

func (s *Server) route(ctx context.Context, sess *session, p packet.Packet, ch relay.Channel) error {
	switch p.Type {
	case packet.Forward:
		var body packet.ForwardBody
		if err := packet.Unmarshal(p, packet.Forward, &body); err != nil {
			return err
		}
		if sess.isAdmin() {
			return s.forwardFromAdmin(ctx, sess.room, body, ch)
		}
		return s.forwardToAdmin(ctx, sess, body, ch)

	case packet.StartGame:
		if !sess.isAdmin() {
			return errNotAdmin
		}
		if !sess.room.StartGame() {
			return nil
		}
		return sess.room.Broadcast(ctx, p, relay.ChannelReliable).Err()

	case packet.Kick:
		if !sess.isAdmin() {
			return errNotAdmin
		}
		var body packet.PlayerBody
		if err := packet.Unmarshal(p, packet.Kick, &body); err != nil {
			return err
		}
		return s.kick(ctx, sess.room, int(body.Slot))

	default:
		return fmt.Errorf("%w: %s", errUnexpectedPacket, p.Type)
	}
}

// forwardFromAdmin delivers to one member or, for BroadcastSlot, to all.
func (s *Server) forwardFromAdmin(ctx context.Context, room *relay.Room, body packet.ForwardBody, ch relay.Channel) error {
	out, err := packet.Marshal(packet.Forward, packet.ForwardBody{
		From:    packet.AdminSlot,
		To:      body.To,
		Payload: body.Payload,
	})
	if err != nil {
		return err
	}
	if body.To == packet.BroadcastSlot {
		return room.Broadcast(ctx, out, ch).Err()
	}
	return room.Unicast(ctx, int(body.To), out, ch)
}

// forwardToAdmin stamps the sender slot so the admin knows who spoke.
func (s *Server) forwardToAdmin(ctx context.Context, sess *session, body packet.ForwardBody, ch relay.Channel) error {
	out, err := packet.Marshal(packet.Forward, packet.ForwardBody{
		From:    int32(sess.peer.Slot()),
		To:      packet.AdminSlot,
		Payload: body.Payload,
	})
	if err != nil {
		return err
	}
	return sess.room.SendToAdmin(ctx, out, ch)
}

func (s *Server) kick(ctx context.Context, room *relay.Room, slot int) error {
	c, ok := room.Remove(slot)
	if !ok {
		return relay.ErrSlotNotFound
	}
	room.UpdateMinSlot()

	if p, err := s.factory.Kick("kicked by the host"); err == nil {
		_ = c.Send(ctx, p)
	}
	if pr, ok := c.(*peer); ok {
		pr.disconnect(reasonKicked)
	}
	room.Logger().Info("Member kicked", logging.Slot(slot), logging.PeerName(c.Name()))
	return nil
}

// leave removes a disconnected peer from its room. A leaving admin hands the
// room to a random member or closes it when nobody is left.
func (s *Server) leave(ctx context.Context, sess *session) {
	room := sess.room
	if room.IsClosed() {
		return
	}

	if !sess.isAdmin() {
		slot := sess.peer.Slot()
		if !room.Leave(slot, sess.peer) {
			return
		}
		metrics.PeerDisconnects.WithLabelValues(reasonLeft).Inc()
		room.UpdateMinSlot()

		left, err := packet.Marshal(packet.PlayerLeft, packet.PlayerBody{Slot: int32(slot), Name: sess.peer.Name()})
		if err == nil {
			err = room.SendToAdmin(ctx, left, relay.ChannelReliable)
		}
		if err != nil {
			sess.logger.Debug("Could not notify the admin about the leaving member", logging.Error(err))
		}
		return
	}

	metrics.PeerDisconnects.WithLabelValues(reasonLeft).Inc()
	room.TrackDisconnected()
	next := room.MigrateAdmin()
	if next == nil {
		sess.logger.Info("Admin left an empty room")
		room.Close()
		return
	}
	room.UpdateMinSlot()

	migrated, err := packet.Marshal(packet.HostMigrated, packet.PlayerBody{
		Slot: packet.AdminSlot,
		Name: next.Name(),
		Addr: next.RemoteAddr(),
	})
	if err != nil {
		sess.logger.Error("Could not build host migration packet", logging.Error(err))
		return
	}
	if err := room.SendToAdmin(ctx, migrated, relay.ChannelReliable); err != nil {
		sess.logger.Warn("Could not notify the new admin", logging.Error(err))
	}
	room.Broadcast(ctx, migrated, relay.ChannelReliable)
}
