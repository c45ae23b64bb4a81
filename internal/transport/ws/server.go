package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"autosupport.dev/internal/protocol"
	"autosupport.dev/internal/sim/host"
)

// Envelope is one validated tool message waiting for the simulation goroutine.
type Envelope struct {
	Session string
	Actor   string
	Type    string

	Tool protocol.ToolMsg
	Req  protocol.RequestMsg

	// Reply queues a message back to the sending session. It never blocks.
	Reply func(v any)
}

type Config struct {
	Logger   *log.Logger
	WorldID  string
	Catalogs protocol.CatalogDigests
	// InboxSize bounds queued envelopes; readers block once it is full.
	InboxSize int
}

// Server accepts build-tool sessions over websocket. Inbound messages are schema-validated
// and queued on Inbox; GROUPING_STATE pushes fan out to every session.
type Server struct {
	log      *log.Logger
	worldID  string
	catalogs protocol.CatalogDigests

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	tick     atomic.Uint64
	dropped  atomic.Uint64

	inbox chan Envelope

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id    string
	actor string
	out   chan []byte
}

var _ host.ToolUI = (*Server)(nil)

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	return &Server{
		log:      cfg.Logger,
		worldID:  cfg.WorldID,
		catalogs: cfg.Catalogs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		inbox:    make(chan Envelope, cfg.InboxSize),
		sessions: map[string]*session{},
	}
}

// Inbox is drained by the simulation loop.
func (s *Server) Inbox() <-chan Envelope { return s.inbox }

// SetTick publishes the simulation tick reported in WELCOME and ACK messages.
func (s *Server) SetTick(t uint64) { s.tick.Store(t) }

func (s *Server) Tick() uint64 { return s.tick.Load() }

// Dropped counts outbound messages discarded because a session fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PushGroupingState broadcasts a grouping change to every connected session.
func (s *Server) PushGroupingState(gs host.GroupingState) {
	b, err := json.Marshal(protocol.GroupingStateMsg{
		Type:            protocol.TypeGroupingState,
		ProtocolVersion: protocol.Version,
		Grouping:        gs.GroupingID,
		Members:         gs.Members,
		Highlighted:     gs.Highlighted,
		Interactable:    gs.Interactable,
		Rediscovering:   gs.Rediscovering,
		Destroyed:       gs.Destroyed,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		s.send(sess, b)
	}
}

func (s *Server) send(sess *session, b []byte) {
	select {
	case sess.out <- b:
	default:
		s.dropped.Add(1)
	}
}

func (s *Server) reply(id string) func(v any) {
	return func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			s.log.Printf("reply marshal: %v", err)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if sess, ok := s.sessions[id]; ok {
			s.send(sess, b)
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		defer s.leave(sess)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, code, detail := s.decode(sess, msg)
			if code != "" {
				s.reply(sess.id)(protocol.AckMsg{
					Type:            protocol.TypeAck,
					ProtocolVersion: protocol.Version,
					AckFor:          env.Req.ReqID,
					Code:            code,
					Message:         detail,
					ServerTick:      s.Tick(),
				})
				continue
			}
			select {
			case s.inbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) decode(sess *session, msg []byte) (Envelope, string, string) {
	env := Envelope{Session: sess.id, Actor: sess.actor, Reply: s.reply(sess.id)}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return env, protocol.ErrProtoBadRequest, "malformed json"
	}
	env.Type = base.Type
	if base.ProtocolVersion != protocol.Version {
		return env, protocol.ErrProtoBadRequest, "bad protocol_version"
	}
	switch base.Type {
	case protocol.TypeToolEquip, protocol.TypeToolUnequip, protocol.TypeToolMode:
		err = json.Unmarshal(msg, &env.Tool)
	case protocol.TypePlan, protocol.TypeBuild, protocol.TypeDismantle:
		err = json.Unmarshal(msg, &env.Req)
	default:
		return env, protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type)
	}
	if err != nil {
		return env, protocol.ErrProtoBadRequest, err.Error()
	}
	if err := protocol.Validate(base.Type, msg); err != nil {
		return env, protocol.ErrProtoBadRequest, err.Error()
	}
	return env, "", ""
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		closeWith(conn, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 32
	}
	if maxQ > 256 {
		maxQ = 256
	}
	sess := &session{
		id:    fmt.Sprintf("S%d", s.nextID.Add(1)),
		actor: strings.TrimSpace(hello.Actor),
		out:   make(chan []byte, maxQ),
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Actor:           sess.actor,
		WorldID:         s.worldID,
		ServerTick:      s.Tick(),
		Catalogs:        s.catalogs,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Printf("session %s joined as %s", sess.id, sess.actor)
	return sess
}

// leave drops the session and queues an unequip so the actor's tool state does not linger.
func (s *Server) leave(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.log.Printf("session %s left", sess.id)

	env := Envelope{
		Session: sess.id,
		Actor:   sess.actor,
		Type:    protocol.TypeToolUnequip,
		Tool:    protocol.ToolMsg{Type: protocol.TypeToolUnequip, ProtocolVersion: protocol.Version},
		Reply:   func(any) {},
	}
	select {
	case s.inbox <- env:
	default:
		s.log.Printf("session %s: inbox full, unequip dropped", sess.id)
	}
}

// StatusResponse is served on the loopback-only status endpoint.
type StatusResponse struct {
	ProtocolVersion string                  `json:"protocol_version"`
	WorldID         string                  `json:"world_id"`
	Tick            uint64                  `json:"tick"`
	Sessions        []string                `json:"sessions"`
	Dropped         uint64                  `json:"dropped"`
	Catalogs        protocol.CatalogDigests `json:"catalogs"`
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := StatusResponse{
			ProtocolVersion: protocol.Version,
			WorldID:         s.worldID,
			Tick:            s.Tick(),
			Dropped:         s.Dropped(),
			Catalogs:        s.catalogs,
			Sessions:        []string{},
		}
		s.mu.Lock()
		for _, sess := range s.sessions {
			resp.Sessions = append(resp.Sessions, sess.actor)
		}
		s.mu.Unlock()
		sort.Strings(resp.Sessions)

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func closeWith(conn *websocket.Conn, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, text), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
