package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"skytrack/pkg/protocol"
)

const (
	commandQueue   = 10
	tokenTimeout   = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Controller is the flight surface driven by the control plane.
type Controller interface {
	StartAutonomous(mode string) (string, error)
	CancelAutonomous() bool
	Status() map[string]any
}

type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	QoS      byte
	Username string
	Password string
}

func (c Config) ControlTopic() string { return c.Prefix + "/control" }
func (c Config) AckTopic() string     { return c.Prefix + "/control/ack" }
func (c Config) StateTopic() string   { return c.Prefix + "/state" }

// Handler serves start/cancel/get_status over MQTT and mirrors state changes.
type Handler struct {
	cfg      Config
	client   mqtt.Client
	ctrl     Controller
	logger   *slog.Logger
	commands chan Command
	now      func() time.Time

	mu      sync.Mutex
	stopped bool
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(cfg Config, client mqtt.Client, ctrl Controller, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		client:   client,
		ctrl:     ctrl,
		logger:   slog.Default(),
		commands: make(chan Command, commandQueue),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect builds a paho client with auto reconnect and waits for the session.
func Connect(cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(tokenTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Run subscribes to the control topic, then serves commands and mirrors
// state events until ctx is done.
func (h *Handler) Run(ctx context.Context, events <-chan protocol.Event) error {
	topic := h.cfg.ControlTopic()
	h.logger.Info("subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if change, isState := ev.Data.(protocol.StateChange); isState {
				h.publishState(change, ev.Timestamp)
			}
		}
	}
}

func (h *Handler) stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.ControlTopic())
		token.WaitTimeout(tokenTimeout)
	}
	h.logger.Info("control plane handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "start":
		mode, _ := cmd.Params["mode"].(string)
		if mode == "" {
			mode = "target"
		}
		runID, err := h.ctrl.StartAutonomous(mode)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]any{"run_id": runID, "mode": mode}
		}

	case "cancel":
		cancelled := h.ctrl.CancelAutonomous()
		resp.Status = "success"
		resp.Data = map[string]any{"cancelled": cancelled}

	case "get_status":
		resp.Status = "success"
		resp.Data = h.ctrl.Status()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = strconv.FormatInt(h.now().UnixMilli(), 10)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}
	if err := h.publish(h.cfg.AckTopic(), payload); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}
	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) publishState(change protocol.StateChange, ts time.Time) {
	payload, err := json.Marshal(struct {
		protocol.StateChange
		Timestamp int64 `json:"timestamp"`
	}{change, ts.UnixMilli()})
	if err != nil {
		return
	}
	if err := h.publish(h.cfg.StateTopic(), payload); err != nil {
		h.logger.Warn("failed to publish state", "error", err)
	}
}

func (h *Handler) publish(topic string, payload []byte) error {
	token := h.client.Publish(topic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}
