package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"skytrack/pkg/engine"
	"skytrack/pkg/protocol"
)

type FrameTime struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

func frameTime(ts time.Time) FrameTime {
	return FrameTime{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())}
}

// CompressedImageMessage is foxglove.CompressedImage; Data is base64 in JSON.
type CompressedImageMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	FrameID   string    `json:"frame_id"`
	Format    string    `json:"format"`
	Data      []byte    `json:"data"`
}

type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ColorRGBA struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

type CircleAnnotation struct {
	Timestamp    FrameTime `json:"timestamp"`
	Position     Point2    `json:"position"`
	Diameter     float64   `json:"diameter"`
	Thickness    float64   `json:"thickness"`
	FillColor    ColorRGBA `json:"fill_color"`
	OutlineColor ColorRGBA `json:"outline_color"`
}

type PointsAnnotation struct {
	Timestamp    FrameTime `json:"timestamp"`
	Type         int       `json:"type"`
	Points       []Point2  `json:"points"`
	OutlineColor ColorRGBA `json:"outline_color"`
	Thickness    float64   `json:"thickness"`
}

// ImageAnnotationsMessage is foxglove.ImageAnnotations.
type ImageAnnotationsMessage struct {
	Circles []CircleAnnotation `json:"circles"`
	Points  []PointsAnnotation `json:"points"`
}

type LogMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Level     uint8     `json:"level"`
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Line      uint32    `json:"line"`
}

type commandMessage struct {
	RunID      string  `json:"run_id,omitempty"`
	Roll       float32 `json:"roll"`
	Pitch      float32 `json:"pitch"`
	Yaw        float32 `json:"yaw"`
	Thrust     uint16  `json:"thrust"`
	DurationMS int64   `json:"duration_ms"`
}

const pointsTypeLineList = 2

// Server streams hub events to Foxglove clients over websocket.
type Server struct {
	cfg       Config
	hub       *engine.Hub
	logger    *slog.Logger
	sessionID string
	clients   map[*client]struct{}
	mu        sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, logger *slog.Logger) *Server {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		hub:       hub,
		logger:    logger,
		sessionID: uuid.NewString(),
		clients:   make(map[*client]struct{}),
	}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("foxglove bridge listening", "addr", s.cfg.WSAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		c.close()
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		c.close()
		return
	}
	s.addClient(c)
	s.logger.Debug("foxglove client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(s.supportedChannels())

	c.close()
	s.removeClient(c)
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, ch := range s.cfg.channels() {
		out[ch.ID] = struct{}{}
	}
	return out
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          s.sessionID,
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: s.cfg.channels()}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) broadcastEvent(ev protocol.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch data := ev.Data.(type) {
	case protocol.Frame:
		s.publishJSONToChannel(channelCamera, ts, s.compressedImage(data, ts))
	case protocol.TrackingSignal:
		s.publishJSONToChannel(channelTracking, ts, data)
		s.publishJSONToChannel(channelTarget, ts, s.targetAnnotations(data, ts))
	case protocol.StateChange:
		s.publishJSONToChannel(channelState, ts, data)
	case protocol.CommandRecord:
		s.publishJSONToChannel(channelCommand, ts, commandMessage{
			RunID:      data.RunID,
			Roll:       data.Command.Roll,
			Pitch:      data.Command.Pitch,
			Yaw:        data.Command.Yaw,
			Thrust:     data.Command.Thrust,
			DurationMS: data.Duration.Milliseconds(),
		})
	case protocol.Notice:
		s.publishJSONToChannel(channelLog, ts, s.logMessage(data, ts))
		s.broadcastStatus(data)
	}
}

func (s *Server) compressedImage(f protocol.Frame, ts time.Time) CompressedImageMessage {
	return CompressedImageMessage{
		Timestamp: frameTime(ts),
		FrameID:   s.cfg.ImageFrameID,
		Format:    s.cfg.ImageFormat,
		Data:      f.Data,
	}
}

// targetAnnotations marks the detected target and the frame center line.
// Without a target the annotation set is empty so stale marks disappear.
func (s *Server) targetAnnotations(sig protocol.TrackingSignal, ts time.Time) ImageAnnotationsMessage {
	msg := ImageAnnotationsMessage{
		Circles: []CircleAnnotation{},
		Points:  []PointsAnnotation{},
	}
	if !sig.Present {
		return msg
	}
	green := ColorRGBA{G: 1, A: 1}
	msg.Circles = append(msg.Circles, CircleAnnotation{
		Timestamp:    frameTime(ts),
		Position:     Point2{X: sig.Target.CenterX, Y: sig.Target.CenterY},
		Diameter:     sig.Target.Extent,
		Thickness:    2,
		OutlineColor: green,
	})
	if sig.Width > 0 && sig.Height > 0 {
		cx := float64(sig.Width) / 2
		msg.Points = append(msg.Points, PointsAnnotation{
			Timestamp:    frameTime(ts),
			Type:         pointsTypeLineList,
			Points:       []Point2{{X: cx, Y: 0}, {X: cx, Y: float64(sig.Height)}},
			OutlineColor: ColorRGBA{R: 1, G: 1, B: 1, A: 0.6},
			Thickness:    1,
		})
	}
	return msg
}

func (s *Server) logMessage(n protocol.Notice, ts time.Time) LogMessage {
	level := uint8(LogLevelInfo)
	switch n.Level {
	case protocol.NoticeWarning:
		level = LogLevelWarning
	case protocol.NoticeError:
		level = LogLevelError
	}
	return LogMessage{
		Timestamp: frameTime(ts),
		Level:     level,
		Message:   n.Text,
		Name:      s.cfg.LogName,
	}
}

// broadcastStatus surfaces notices as toasts in the Foxglove UI.
func (s *Server) broadcastStatus(n protocol.Notice) {
	level := StatusInfo
	switch n.Level {
	case protocol.NoticeWarning:
		level = StatusWarning
	case protocol.NoticeError:
		level = StatusError
	}
	payload, err := json.Marshal(StatusMsg{Op: OpStatus, Level: level, Message: n.Text})
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(textFrame(payload))
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Debug("foxglove marshal failed", "channel", channelID, "error", err)
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

// Text frames are tagged with a leading 0 byte on the send queue; binary
// frames always start with an opcode >= 1.
func textFrame(payload []byte) []byte {
	return append([]byte{0}, payload...)
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		kind := websocket.BinaryMessage
		if len(msg) > 0 && msg[0] == 0 {
			kind, msg = websocket.TextMessage, msg[1:]
		}
		if err := c.conn.WriteMessage(kind, msg); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
