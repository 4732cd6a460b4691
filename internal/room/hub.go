// Package room coordinates the participants of whiteboard rooms: group
// membership, event dispatch and the reconciliation of saved snapshots.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/bus"
	"github.com/manpreetbhatti/lattice-board/internal/codec"
	"github.com/manpreetbhatti/lattice-board/internal/metrics"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/pseudonym"
	"github.com/manpreetbhatti/lattice-board/internal/store"
	"github.com/manpreetbhatti/lattice-board/internal/tasks"
)

var (
	ErrInvalidRoomName = errors.New("room: invalid room name")
	ErrRoomNotFound    = errors.New("room: not found")
	ErrAccessDenied    = errors.New("room: access denied")
	// ErrStaleWrite marks a save rejected by the version check. It is never
	// returned to the connection; the save just has no effect.
	ErrStaleWrite = errors.New("room: stale write")
)

// Store is the persistence the hub needs.
type Store interface {
	store.SnapshotStore
	store.LogStore
	store.AttachmentIndex
}

type PseudonymSource interface {
	PseudonymFor(ctx context.Context, identity uuid.UUID, room string) (string, error)
}

// LeaveReason tells Leave whether peers should be told about the departure.
type LeaveReason int

const (
	Disconnected LeaveReason = iota
	// PolicyClose is a close forced by the server, e.g. a failed login.
	PolicyClose
)

type Options struct {
	Store Store
	// Pseudonyms defaults to a pseudonym.Service over Store when Store
	// also persists pseudonyms.
	Pseudonyms PseudonymSource
	Access     auth.AccessResolver
	Bus        bus.Bus
	Tasks      *tasks.Supervisor
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// AutoCreate creates unknown rooms on first join.
	AutoCreate        bool
	TrackingByDefault bool

	Now func() time.Time
}

// Hub dispatches the events of joined connections. It keeps no state shared
// between connections other than the membership count used for stats;
// snapshot consistency comes from the version check, which the store runs
// atomically per room.
type Hub struct {
	store      Store
	pseudonyms PseudonymSource
	access     auth.AccessResolver
	bus        bus.Bus
	tasks      *tasks.Supervisor
	metrics    *metrics.Metrics
	logger     *zap.Logger

	autoCreate        bool
	trackingByDefault bool
	now               func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]*Member
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		store:             opts.Store,
		pseudonyms:        opts.Pseudonyms,
		access:            opts.Access,
		bus:               opts.Bus,
		tasks:             opts.Tasks,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		autoCreate:        opts.AutoCreate,
		trackingByDefault: opts.TrackingByDefault,
		now:               opts.Now,
		rooms:             make(map[string]map[string]*Member),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.access == nil {
		h.access = auth.Policy{AllowAnonymous: true}
	}
	if h.tasks == nil {
		h.tasks = tasks.NewSupervisor(h.logger)
	}
	if h.bus == nil {
		h.bus = bus.NewLocal(h.logger)
	}
	if h.pseudonyms == nil {
		if ps, ok := opts.Store.(store.PseudonymStore); ok {
			h.pseudonyms = pseudonym.NewService(ps, h.logger)
		}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Join resolves the room and adds conn to its broadcast group.
func (h *Hub) Join(ctx context.Context, conn Conn, id auth.Identity, roomName string) (*Member, error) {
	if !ValidName(roomName) {
		return nil, ErrInvalidRoomName
	}

	allowed, err := h.access.ResolveAccess(ctx, id, roomName, auth.Collaborate)
	if err != nil {
		return nil, fmt.Errorf("resolve access: %w", err)
	}
	if !allowed {
		return nil, ErrAccessDenied
	}

	r, err := h.resolveRoom(ctx, roomName)
	if err != nil {
		return nil, err
	}

	var pseudo string
	if id.Anonymous {
		pseudo = pseudonym.Anonymous()
	} else if pseudo, err = h.pseudonyms.PseudonymFor(ctx, id.ID, roomName); err != nil {
		return nil, err
	}

	session := Session{
		ConnID:          conn.ID(),
		Room:            roomName,
		Pseudonym:       pseudo,
		Anonymous:       id.Anonymous,
		TrackingEnabled: r.TrackingEnabled,
	}
	m := newMember(session, conn, h.tasks.Group(conn.ID()))

	sub, err := h.bus.Subscribe(ctx, roomName, conn.ID(), func(frame []byte) {
		if !conn.Send(frame) {
			h.logger.Debug("dropped frame for slow connection",
				zap.String("room", roomName), zap.String("conn", conn.ID()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	m.sub = sub
	h.track(m)

	h.logger.Info("collaborator joined",
		zap.String("room", roomName),
		zap.String("conn", conn.ID()),
		zap.Bool("anonymous", id.Anonymous))

	if session.TrackingEnabled {
		h.logInBackground(m, protocol.CollaboratorEntered)
	}
	return m, nil
}

func (h *Hub) resolveRoom(ctx context.Context, name string) (*store.Room, error) {
	if h.autoCreate {
		r, created, err := h.store.GetOrCreateRoom(ctx, name, store.RoomDefaults{TrackingEnabled: h.trackingByDefault})
		if err != nil {
			return nil, err
		}
		if created {
			h.logger.Info("room created", zap.String("room", name))
		}
		return r, nil
	}
	r, err := h.store.GetRoom(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return r, err
}

// Leave removes m from its room. Unless the server closed the connection
// for policy reasons, the remaining members are told that m left.
func (h *Hub) Leave(m *Member, reason LeaveReason) {
	m.once.Do(func() {
		s := m.Session
		if reason != PolicyClose {
			h.publish(context.Background(), m, protocol.NewCollaboratorLeft(s.Pseudonym))
		}
		m.sub.Unsubscribe()
		h.untrack(m)

		if reason != PolicyClose && s.TrackingEnabled {
			h.logInBackground(m, protocol.CollaboratorLeft)
		}
		h.logger.Info("collaborator left", zap.String("room", s.Room), zap.String("conn", s.ConnID))
	})
}

func (h *Hub) logInBackground(m *Member, t protocol.EventType) {
	s := m.Session
	record := &store.LogRecord{
		Room:      s.Room,
		EventType: string(t),
		Pseudonym: s.Pseudonym,
		CreatedAt: h.now(),
		Content:   json.RawMessage(`{}`),
	}
	m.group.Go(string(t), func(ctx context.Context) error {
		return h.store.AppendLogRecord(ctx, record)
	})
}

// Dispatch handles one inbound frame of m. Protocol violations and
// persistence failures are returned; the connection stays usable either way.
func (h *Hub) Dispatch(ctx context.Context, m *Member, frame []byte) error {
	msg, err := protocol.HubEvents.Parse(frame)
	if err != nil {
		h.metrics.Violation()
		return err
	}
	h.metrics.Event(string(msg.Type()))

	switch msg := msg.(type) {
	case protocol.CollaboratorChangeMessage:
		return h.collaboratorChange(ctx, m, msg)
	case protocol.ElementsChangedMessage:
		return h.elementsChanged(ctx, m, protocol.ElementsChanged, msg.Elements)
	case protocol.FullSyncMessage:
		return h.elementsChanged(ctx, m, protocol.FullSync, msg.Elements)
	case protocol.SaveRoomMessage:
		return h.saveRoom(ctx, m, msg.Elements)
	case protocol.FilesAddedMessage:
		h.publish(ctx, m, protocol.NewFilesAdded(msg.FileIDs))
		return nil
	}
	return protocol.UnknownEventType(string(msg.Type()))
}

// collaboratorChange rebases the client timestamps of a buffered batch
// onto the server clock, logs every change and forwards only the latest.
func (h *Hub) collaboratorChange(ctx context.Context, m *Member, msg protocol.CollaboratorChangeMessage) error {
	s := m.Session
	serverNow := h.now()
	last := msg.Changes[len(msg.Changes)-1]
	reference := serverNow
	if last.Time != nil {
		reference = *last.Time
	}

	if s.TrackingEnabled {
		records := make([]*store.LogRecord, 0, len(msg.Changes))
		for _, c := range msg.Changes {
			var delta time.Duration
			if c.Time != nil {
				delta = reference.Sub(*c.Time)
			}
			content, err := codec.Marshal(withoutAuthor(c.Fields))
			if err != nil {
				return err
			}
			records = append(records, &store.LogRecord{
				Room:      s.Room,
				EventType: string(protocol.CollaboratorChange),
				Pseudonym: s.Pseudonym,
				CreatedAt: serverNow.Add(-delta),
				Content:   content,
			})
		}
		m.group.Go("log collaborator_change", func(ctx context.Context) error {
			return h.store.AppendLogRecords(ctx, records)
		})
	}

	change, err := protocol.Annotate(withoutAuthor(last.Fields), "userRoomId", s.Pseudonym)
	if err != nil {
		return err
	}
	h.publish(ctx, m, protocol.NewCollaboratorChange(change))
	return nil
}

func withoutAuthor(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "userRoomId" {
			continue
		}
		out[k] = v
	}
	return out
}

func (h *Hub) elementsChanged(ctx context.Context, m *Member, t protocol.EventType, elements []store.Element) error {
	s := m.Session
	event := protocol.NewElements(t, elements)

	if s.TrackingEnabled {
		content, err := codec.Marshal(struct {
			Elements []store.Element `json:"elements"`
		}{event.Elements})
		if err != nil {
			return err
		}
		err = h.store.AppendLogRecord(ctx, &store.LogRecord{
			Room:      s.Room,
			EventType: string(t),
			Pseudonym: s.Pseudonym,
			CreatedAt: h.now(),
			Content:   content,
		})
		if err != nil {
			return fmt.Errorf("log %s: %w", t, err)
		}
	}

	h.publish(ctx, m, event)
	return nil
}

// saveRoom reconciles candidates against the stored snapshot inside one
// store write, while the attachment lookup runs next to it.
func (h *Hub) saveRoom(ctx context.Context, m *Member, candidates []store.Element) error {
	s := m.Session
	var (
		d       Decision
		saved   bool
		missing []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.store.ReconcileRoomElements(gctx, s.Room, func(stored []store.Element) ([]store.Element, bool) {
			d = Reconcile(stored, candidates, m.knownDeleted)
			return d.Persist, d.Outcome == Changed
		})
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		saved = d.Outcome == Changed
		return nil
	})
	g.Go(func() (err error) {
		missing, err = h.missingFiles(gctx, s.Room, candidates)
		return err
	})
	err := g.Wait()

	// deletions count only once the snapshot without them is stored
	if saved {
		for id, v := range d.Deleted {
			m.knownDeleted[id] = v
		}
	}
	if err != nil {
		return err
	}

	h.metrics.Save(d.Outcome.String())
	switch d.Outcome {
	case Stale:
		h.logger.Debug("save rejected",
			zap.String("room", s.Room),
			zap.String("conn", s.ConnID),
			zap.String("element", d.StaleID),
			zap.Error(ErrStaleWrite))
		return nil
	case Unchanged:
		return nil
	}
	return h.requestFiles(m, missing)
}

// missingFiles returns the attachments of live elements the room does not know.
func (h *Hub) missingFiles(ctx context.Context, room string, elements []store.Element) ([]string, error) {
	ids := referencedFiles(elements)
	if len(ids) == 0 {
		return nil, nil
	}
	known, err := h.store.KnownFiles(ctx, room, ids)
	if err != nil {
		return nil, fmt.Errorf("check files: %w", err)
	}

	var missing []string
	for _, id := range ids {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// requestFiles asks the sender to upload attachments the server does not know.
func (h *Hub) requestFiles(m *Member, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	frame, err := protocol.Encode(protocol.NewFilesMissing(missing))
	if err != nil {
		return err
	}
	h.metrics.FilesMissing()
	m.conn.Send(frame)
	return nil
}

// publish fans event out to every other member of m's room. It runs on the
// caller's goroutine so a connection's broadcasts keep their order.
func (h *Hub) publish(ctx context.Context, m *Member, event any) {
	frame, err := protocol.Encode(event)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("room", m.Session.Room), zap.Error(err))
		return
	}
	env := bus.Envelope{Room: m.Session.Room, Origin: m.Session.ConnID, Payload: frame}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.logger.Warn("broadcast failed",
			zap.String("room", m.Session.Room),
			zap.String("conn", m.Session.ConnID),
			zap.Error(err))
	}
}

func (h *Hub) track(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[m.Session.Room]
	if !ok {
		members = make(map[string]*Member)
		h.rooms[m.Session.Room] = members
	}
	members[m.Session.ConnID] = m
}

func (h *Hub) untrack(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[m.Session.Room]; ok {
		delete(members, m.Session.ConnID)
		if len(members) == 0 {
			delete(h.rooms, m.Session.Room)
		}
	}
}

// ActiveRooms returns the number of local members per room.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for name, members := range h.rooms {
		out[name] = len(members)
	}
	return out
}

// RoomNames lists rooms with local members, sorted.
func (h *Hub) RoomNames() []string {
	rooms := h.ActiveRooms()
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) ConnectionCount() int {
	total := 0
	for _, n := range h.ActiveRooms() {
		total += n
	}
	return total
}

// Shutdown drains the background tasks of every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	return h.tasks.Shutdown(ctx)
}
