// Package replay plays back the event log of a room with its original
// pacing to a single viewing connection.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/metrics"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

var ErrClosed = errors.New("replay: session closed")

// DefaultCeiling clamps idle gaps between records.
const DefaultCeiling = 2 * time.Second

// Sender is the viewing connection.
type Sender interface {
	Send(frame []byte) bool
}

type state int

const (
	idle state = iota
	initialized
	playing
	paused
	finished
)

type Options struct {
	Store   store.LogStore
	Room    string
	Ceiling time.Duration
	Clock   Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Session is the replay of one room for one viewer. A single goroutine owns
// all playback state; controls are consumed only between two sends.
type Session struct {
	store   store.LogStore
	room    string
	ceiling time.Duration
	clock   Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	conn    Sender
	aliases *Aliaser

	controls chan protocol.EventType
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once

	// owned by run
	state  state
	refs   []store.RecordRef
	cursor int
	wait   <-chan time.Time
}

func NewSession(conn Sender, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		store:    opts.Store,
		room:     opts.Room,
		ceiling:  opts.Ceiling,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		conn:     conn,
		aliases:  NewAliaser(),
		controls: make(chan protocol.EventType, 8),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if s.ceiling <= 0 {
		s.ceiling = DefaultCeiling
	}
	if s.clock == nil {
		s.clock = RealClock
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("room", opts.Room))
	go s.run()
	return s
}

// Handle parses an inbound frame of the viewer. Anything but a replay
// control is logged and ignored.
func (s *Session) Handle(frame []byte) error {
	msg, err := protocol.ReplayEvents.Parse(frame)
	if err != nil {
		s.logger.Warn("ignoring replay message", zap.Error(err))
		return nil
	}
	return s.Control(msg.Type())
}

// Control queues start_replay, pause_replay or restart_replay.
func (s *Session) Control(kind protocol.EventType) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.controls <- kind:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close stops playback and waits for the session goroutine to exit.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case kind := <-s.controls:
			s.control(kind)
		case <-s.wait:
			s.wait = nil
			s.step()
		}
	}
}

func (s *Session) control(kind protocol.EventType) {
	switch kind {
	case protocol.StartReplay:
		switch s.state {
		case playing:
			return
		case idle, finished:
			if !s.init() {
				return
			}
		}
		s.play()
	case protocol.PauseReplay:
		if s.state != playing {
			return
		}
		s.wait = nil
		s.state = paused
		s.signal(protocol.PauseReplay)
	case protocol.RestartReplay:
		s.wait = nil
		if s.init() {
			s.play()
		}
	}
}

// init loads the record index and announces the replay length. It reports
// whether there is anything to play.
func (s *Session) init() bool {
	refs, err := s.store.LogRecordsForRoom(s.ctx, s.room)
	if err != nil {
		s.logger.Error("load replay index", zap.Error(err))
		s.state = idle
		return false
	}
	s.refs = refs
	s.cursor = 0
	s.state = initialized
	s.metrics.ReplayStarted()

	s.send(protocol.NewResetScene(s.duration().Milliseconds(), len(refs)))
	if len(refs) == 0 {
		s.finish()
		return false
	}
	return true
}

func (s *Session) duration() time.Duration {
	var total time.Duration
	for i := 1; i < len(s.refs); i++ {
		total += pace(s.refs[i-1].CreatedAt, s.refs[i].CreatedAt, s.ceiling)
	}
	return total
}

func (s *Session) play() {
	s.state = playing
	s.signal(protocol.StartReplay)
	s.step()
}

// step sends the record under the cursor and schedules the next one.
func (s *Session) step() {
	if s.state != playing {
		return
	}
	if s.cursor >= len(s.refs) {
		s.finish()
		return
	}

	ref := s.refs[s.cursor]
	s.cursor++
	if err := s.sendRecord(ref); err != nil {
		s.logger.Warn("skipping replay record", zap.Int64("record", ref.ID), zap.Error(err))
	}

	if s.cursor >= len(s.refs) {
		s.finish()
		return
	}
	s.wait = s.clock.After(pace(ref.CreatedAt, s.refs[s.cursor].CreatedAt, s.ceiling))
}

func (s *Session) finish() {
	s.wait = nil
	s.state = finished
	s.signal(protocol.PauseReplay)
}

func (s *Session) sendRecord(ref store.RecordRef) error {
	record, err := s.store.GetLogRecord(s.ctx, ref.ID)
	if err != nil {
		return err
	}
	event, err := s.translate(record)
	if err != nil || event == nil {
		return err
	}
	s.send(event)
	return nil
}

// translate turns a log record into the event a viewer renders. It returns
// nil for records that are paced but not shown.
func (s *Session) translate(record *store.LogRecord) (any, error) {
	switch t := protocol.EventType(record.EventType); t {
	case protocol.ElementsChanged, protocol.FullSync:
		var body struct {
			Elements []store.Element `json:"elements"`
		}
		if err := json.Unmarshal(record.Content, &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		return protocol.NewElements(t, body.Elements), nil

	case protocol.CollaboratorChange:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(record.Content, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		change, err := protocol.Annotate(fields, "username", s.aliases.Alias(record.Pseudonym))
		if err != nil {
			return nil, err
		}
		change, err = protocol.Annotate(change, "userRoomId", record.Pseudonym)
		if err != nil {
			return nil, err
		}
		return protocol.NewCollaboratorChange(change), nil

	case protocol.CollaboratorLeft:
		return protocol.NewCollaboratorLeft(record.Pseudonym), nil

	case protocol.CollaboratorEntered:
		return nil, nil
	}
	s.logger.Debug("unknown record type", zap.String("eventtype", record.EventType))
	return nil, nil
}

func (s *Session) signal(t protocol.EventType) {
	s.send(protocol.NewSignal(t))
}

func (s *Session) send(event any) {
	frame, err := protocol.Encode(event)
	if err != nil {
		s.logger.Error("encode replay event", zap.Error(err))
		return
	}
	if !s.conn.Send(frame) {
		s.logger.Debug("dropped replay frame for slow connection")
	}
}
