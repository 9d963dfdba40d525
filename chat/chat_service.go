// Package chat provides a room-based messaging service layered on the
// network dispatcher. It tracks users, rooms, and a bounded message
// history, and fans room traffic out over the network broadcast path.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/network"
)

const (
	maxRoomNameLen = 50
	maxUsernameLen = 30
	historyLimit   = 1000
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrUserNotFound = errors.New("user not found")
	ErrNotInRoom    = errors.New("user not in room")
	ErrEmptyMessage = errors.New("message content is empty")
)

// Event kinds carried in chat payloads.
const (
	eventJoin    = "user_join"
	eventLeave   = "user_leave"
	eventText    = "text_message"
	eventPrivate = "private_message"
)

type chatPayload struct {
	Event    string `json:"event"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
	Content  string `json:"content,omitempty"`
}

// User is one participant tracked by the service.
type User struct {
	ID         network.NodeID  `json:"id"`
	Username   string          `json:"username"`
	Rooms      map[string]bool `json:"rooms"`
	LastActive time.Time       `json:"last_active"`
}

// Room is one chat room with its membership set.
type Room struct {
	Name         string                  `json:"name"`
	Members      map[network.NodeID]bool `json:"members"`
	CreatedAt    time.Time               `json:"created_at"`
	MessageCount uint64                  `json:"message_count"`
}

// Record is one entry in the bounded message history.
type Record struct {
	MessageID  uuid.UUID      `json:"message_id"`
	Room       string         `json:"room"`
	SenderID   network.NodeID `json:"sender_id"`
	SenderName string         `json:"sender_name"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Messenger is the network surface the chat service needs.
type Messenger interface {
	Send(to network.NodeID, msg *network.NetworkMessage) (network.MessageID, error)
	Broadcast(msg *network.NetworkMessage, opts *network.BroadcastOptions) (network.MessageID, error)
}

// Service manages users, rooms, and message history for one node.
type Service struct {
	nodeID network.NodeID
	net    Messenger

	users   map[network.NodeID]*User
	rooms   map[string]*Room
	byName  map[string]network.NodeID
	history []Record
	mu      sync.RWMutex

	log *zap.Logger
}

// NewService creates a chat service bound to the given network surface.
func NewService(nodeID network.NodeID, net Messenger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		nodeID: nodeID,
		net:    net,
		users:  make(map[network.NodeID]*User),
		rooms:  make(map[string]*Room),
		byName: make(map[string]network.NodeID),
		log:    log,
	}
}

func validateRoomName(room string) error {
	if room == "" || len(room) > maxRoomNameLen {
		return fmt.Errorf("invalid room name %q", room)
	}
	return nil
}

func validateUsername(username string) error {
	if username == "" || len(username) > maxUsernameLen {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}

// JoinRoom adds a user to a room, creating the room if needed, and
// announces the join to the other members.
func (s *Service) JoinRoom(userID network.NodeID, username, room string) error {
	if err := validateRoomName(room); err != nil {
		return err
	}
	if err := validateUsername(username); err != nil {
		return err
	}

	s.mu.Lock()
	s.applyJoin(userID, username, room)
	s.mu.Unlock()

	s.log.Info("user joined room",
		zap.String("user", username),
		zap.String("room", room))

	return s.announce(userID, chatPayload{
		Event:    eventJoin,
		Username: username,
		Room:     room,
	})
}

// LeaveRoom removes a user from a room and announces the departure.
func (s *Service) LeaveRoom(userID network.NodeID, room string) error {
	s.mu.Lock()
	user, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	if !user.Rooms[room] {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	username := user.Username
	s.applyLeave(userID, room)
	s.mu.Unlock()

	s.log.Info("user left room",
		zap.String("user", username),
		zap.String("room", room))

	return s.announce(userID, chatPayload{
		Event:    eventLeave,
		Username: username,
		Room:     room,
	})
}

// SendMessage broadcasts a text message to a room the user belongs to
// and appends it to the local history.
func (s *Service) SendMessage(userID network.NodeID, room, content string) (uuid.UUID, error) {
	if strings.TrimSpace(content) == "" {
		return uuid.Nil, ErrEmptyMessage
	}

	s.mu.Lock()
	user, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return uuid.Nil, ErrUserNotFound
	}
	if !user.Rooms[room] {
		s.mu.Unlock()
		return uuid.Nil, ErrNotInRoom
	}
	username := user.Username
	s.mu.Unlock()

	msg, err := encodeChat(userID, chatPayload{
		Event:    eventText,
		Username: username,
		Room:     room,
		Content:  content,
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	s.appendHistory(Record{
		MessageID:  msg.ID,
		Room:       room,
		SenderID:   userID,
		SenderName: username,
		Content:    content,
		Timestamp:  time.Now(),
	})
	if r, ok := s.rooms[room]; ok {
		r.MessageCount++
	}
	s.mu.Unlock()

	opts := &network.BroadcastOptions{Exclude: []network.NodeID{userID}}
	if _, err := s.net.Broadcast(msg, opts); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

// SendPrivateMessage delivers a direct message to the node behind a
// username.
func (s *Service) SendPrivateMessage(from network.NodeID, toUser, content string) (uuid.UUID, error) {
	if strings.TrimSpace(content) == "" {
		return uuid.Nil, ErrEmptyMessage
	}

	s.mu.RLock()
	target, ok := s.byName[toUser]
	if !ok {
		s.mu.RUnlock()
		return uuid.Nil, ErrUserNotFound
	}
	_, known := s.users[from]
	s.mu.RUnlock()
	if !known {
		return uuid.Nil, ErrUserNotFound
	}

	msg, err := encodeChat(from, chatPayload{
		Event:    eventPrivate,
		Username: toUser,
		Content:  content,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := s.net.Send(target, msg); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

// ListRooms returns the names of all known rooms.
func (s *Service) ListRooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// RoomMembers returns the usernames of a room's current members.
func (s *Service) RoomMembers(room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]string, 0, len(r.Members))
	for id := range r.Members {
		if u, ok := s.users[id]; ok {
			members = append(members, u.Username)
		}
	}
	return members, nil
}

// UserRooms returns the rooms a user has joined.
func (s *Service) UserRooms(userID network.NodeID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	rooms := make([]string, 0, len(user.Rooms))
	for room := range user.Rooms {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// History returns a copy of the bounded message history, oldest first.
func (s *Service) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// HandleMessage applies chat events arriving from remote peers. It is
// registered on the dispatcher for the chat message type.
func (s *Service) HandleMessage(from network.NodeID, msg *network.NetworkMessage) (*network.NetworkMessage, error) {
	var p chatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed chat payload: %w", err)
	}

	switch p.Event {
	case eventJoin:
		if err := validateRoomName(p.Room); err != nil {
			return nil, err
		}
		if err := validateUsername(p.Username); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.applyJoin(from, p.Username, p.Room)
		s.mu.Unlock()

	case eventLeave:
		s.mu.Lock()
		s.applyLeave(from, p.Room)
		s.mu.Unlock()

	case eventText:
		s.mu.Lock()
		s.appendHistory(Record{
			MessageID:  msg.ID,
			Room:       p.Room,
			SenderID:   from,
			SenderName: p.Username,
			Content:    p.Content,
			Timestamp:  time.Now(),
		})
		if r, ok := s.rooms[p.Room]; ok {
			r.MessageCount++
		}
		s.mu.Unlock()

	case eventPrivate:
		s.log.Info("private message received",
			zap.String("from", string(from)),
			zap.Int("bytes", len(p.Content)))

	default:
		return nil, fmt.Errorf("unknown chat event %q", p.Event)
	}
	return nil, nil
}

// applyJoin mutates state. Caller holds mu.
func (s *Service) applyJoin(userID network.NodeID, username, room string) {
	r, ok := s.rooms[room]
	if !ok {
		r = &Room{
			Name:      room,
			Members:   make(map[network.NodeID]bool),
			CreatedAt: time.Now(),
		}
		s.rooms[room] = r
	}
	r.Members[userID] = true

	user, ok := s.users[userID]
	if !ok {
		user = &User{
			ID:       userID,
			Username: username,
			Rooms:    make(map[string]bool),
		}
		s.users[userID] = user
	}
	user.Username = username
	user.Rooms[room] = true
	user.LastActive = time.Now()
	s.byName[username] = userID
}

// applyLeave mutates state. Caller holds mu.
func (s *Service) applyLeave(userID network.NodeID, room string) {
	if user, ok := s.users[userID]; ok {
		delete(user.Rooms, room)
		user.LastActive = time.Now()
	}
	if r, ok := s.rooms[room]; ok {
		delete(r.Members, userID)
	}
}

// appendHistory keeps the most recent historyLimit records. Caller
// holds mu.
func (s *Service) appendHistory(rec Record) {
	s.history = append(s.history, rec)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Service) announce(from network.NodeID, p chatPayload) error {
	msg, err := encodeChat(from, p)
	if err != nil {
		return err
	}
	opts := &network.BroadcastOptions{Exclude: []network.NodeID{from}}
	_, err = s.net.Broadcast(msg, opts)
	return err
}

func encodeChat(sender network.NodeID, p chatPayload) (*network.NetworkMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return network.NewMessage(network.TypeChat, sender, raw), nil
}
