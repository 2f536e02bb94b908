package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"skytrack/pkg/bridge/foxglove"
	"skytrack/pkg/control"
	"skytrack/pkg/flight"
	"skytrack/pkg/protocol"
)

const DefaultConfigPath = "skytrack.toml"

type SkytrackConfig struct {
	Stream     StreamConfig   `toml:"stream"`
	Tracker    TrackerConfig  `toml:"tracker"`
	Control    ControlConfig  `toml:"control"`
	Sequence   SequenceConfig `toml:"sequence"`
	Link       LinkConfig     `toml:"link"`
	Foxglove   FoxgloveConfig `toml:"foxglove"`
	MQTT       MQTTConfig     `toml:"mqtt"`
	Log        LogConfig      `toml:"log"`
	configPath string         `toml:"-"`
}

type StreamConfig struct {
	Addr        string `toml:"addr"`
	ChunkSize   int    `toml:"chunk_size"`
	ReadTimeout string `toml:"read_timeout"`
	DialTimeout string `toml:"dial_timeout"`
	MaxBuffer   int    `toml:"max_buffer"`
	// Reconnect is the delay between camera reconnect attempts; "0" disables.
	Reconnect string `toml:"reconnect"`
}

type TrackerConfig struct {
	Policy         string   `toml:"policy"`
	SampleInterval string   `toml:"sample_interval"`
	Detector       string   `toml:"detector"`
	Command        string   `toml:"command,omitempty"`
	Args           []string `toml:"args,omitempty"`
	Timeout        string   `toml:"timeout"`
	Cascade        string   `toml:"cascade,omitempty"`
	SpotThreshold  uint8    `toml:"spot_threshold"`
}

type LimitsConfig struct {
	ThrustMin   uint16  `toml:"thrust_min"`
	ThrustMax   uint16  `toml:"thrust_max"`
	AttitudeMin float32 `toml:"attitude_min"`
	AttitudeMax float32 `toml:"attitude_max"`
}

type ControlConfig struct {
	DeadbandPx  float64      `toml:"deadband_px"`
	TurnRoll    float32      `toml:"turn_roll"`
	TurnTimeMS  int          `toml:"turn_time_ms"`
	TurnErrorPx float64      `toml:"turn_error_px"`
	TurnPitch   float32      `toml:"turn_pitch"`
	MaxTurn     string       `toml:"max_turn"`
	Limits      LimitsConfig `toml:"limits"`
}

type StepConfig struct {
	Thrust   uint16 `toml:"thrust"`
	Duration string `toml:"duration"`
}

type SequenceConfig struct {
	Takeoff       []StepConfig `toml:"takeoff"`
	Landing       []StepConfig `toml:"landing"`
	LandingPitch  float32      `toml:"landing_pitch"`
	RollTrim      float32      `toml:"roll_trim"`
	HoverThrust   uint16       `toml:"hover_thrust"`
	AdvancePitch  float32      `toml:"advance_pitch"`
	AdvanceThrust uint16       `toml:"advance_thrust"`
	AdvanceFace   string       `toml:"advance_face"`
	AdvanceCircle string       `toml:"advance_circle"`
	PollInterval  string       `toml:"poll_interval"`
	TargetWait    string       `toml:"target_wait"`
}

type LinkConfig struct {
	Kind string `toml:"kind"`
	Addr string `toml:"addr"`
	Tick string `toml:"tick"`
}

type FoxgloveConfig struct {
	Enabled       bool   `toml:"enabled"`
	WSAddr        string `toml:"ws_addr"`
	Name          string `toml:"name"`
	CameraTopic   string `toml:"camera_topic"`
	TargetTopic   string `toml:"target_topic"`
	TrackingTopic string `toml:"tracking_topic"`
	StateTopic    string `toml:"state_topic"`
	CommandTopic  string `toml:"command_topic"`
	LogTopic      string `toml:"log_topic"`
	ImageFrame    string `toml:"image_frame"`
	LogName       string `toml:"log_name"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Prefix   string `toml:"prefix"`
	QoS      byte   `toml:"qos"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// JSONL is the event journal path; empty disables it.
	JSONL  string `toml:"jsonl,omitempty"`
	Frames bool   `toml:"frames"`
}

func Default() SkytrackConfig {
	return SkytrackConfig{
		Stream: StreamConfig{
			Addr:        "192.168.4.1:81",
			ChunkSize:   512,
			ReadTimeout: "3s",
			DialTimeout: "5s",
			MaxBuffer:   1 << 20,
			Reconnect:   "0",
		},
		Tracker: TrackerConfig{
			Policy:         string(control.PolicyFace),
			SampleInterval: "100ms",
			Detector:       "none",
			Timeout:        "500ms",
			SpotThreshold:  200,
		},
		Control: ControlConfig{
			DeadbandPx:  30,
			TurnRoll:    4,
			TurnTimeMS:  500,
			TurnErrorPx: 162,
			TurnPitch:   0.5,
			MaxTurn:     "0",
			Limits:      limitsFrom(protocol.DefaultLimits()),
		},
		Sequence: SequenceConfig{
			Takeoff: []StepConfig{
				{Thrust: 47000, Duration: "700ms"},
				{Thrust: 45000, Duration: "700ms"},
			},
			Landing: []StepConfig{
				{Thrust: 45000, Duration: "400ms"},
				{Thrust: 30000, Duration: "800ms"},
				{Thrust: 15000, Duration: "800ms"},
				{Thrust: 5000, Duration: "400ms"},
			},
			LandingPitch:  0.5,
			HoverThrust:   45000,
			AdvancePitch:  5,
			AdvanceThrust: 45000,
			AdvanceFace:   "600ms",
			AdvanceCircle: "700ms",
			PollInterval:  "20ms",
			TargetWait:    "2s",
		},
		Link: LinkConfig{
			Kind: "crtp",
			Addr: "192.168.43.42:2390",
			Tick: "10ms",
		},
		Foxglove: FoxgloveConfig{
			Enabled:       true,
			WSAddr:        "127.0.0.1:8765",
			Name:          "skytrack",
			CameraTopic:   "/camera/image",
			TargetTopic:   "/camera/target",
			TrackingTopic: "/skytrack/tracking",
			StateTopic:    "/skytrack/state",
			CommandTopic:  "/skytrack/command",
			LogTopic:      "/skytrack/log",
			ImageFrame:    "camera",
			LogName:       "skytrack",
		},
		MQTT: MQTTConfig{
			Broker:   "localhost:1883",
			ClientID: "skytrack",
			Prefix:   "skytrack",
			QoS:      1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (SkytrackConfig, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return SkytrackConfig{}, err
	}
	if !exists {
		return SkytrackConfig{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. Keys missing from the file keep
// their default value; a missing file yields the defaults and exists=false.
func LoadOrDefault(path string) (SkytrackConfig, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return SkytrackConfig{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return SkytrackConfig{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return SkytrackConfig{}, true, err
	}
	return cfg, true, nil
}

func (cfg *SkytrackConfig) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *SkytrackConfig) ConfigPath() string {
	return cfg.configPath
}

func (cfg *SkytrackConfig) Validate() error {
	durations := []struct {
		key   string
		value string
	}{
		{"stream.read_timeout", cfg.Stream.ReadTimeout},
		{"stream.dial_timeout", cfg.Stream.DialTimeout},
		{"stream.reconnect", cfg.Stream.Reconnect},
		{"tracker.sample_interval", cfg.Tracker.SampleInterval},
		{"tracker.timeout", cfg.Tracker.Timeout},
		{"control.max_turn", cfg.Control.MaxTurn},
		{"sequence.advance_face", cfg.Sequence.AdvanceFace},
		{"sequence.advance_circle", cfg.Sequence.AdvanceCircle},
		{"sequence.poll_interval", cfg.Sequence.PollInterval},
		{"sequence.target_wait", cfg.Sequence.TargetWait},
		{"link.tick", cfg.Link.Tick},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", d.key, d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration %q", d.key, d.value)
		}
	}
	for i, s := range cfg.Sequence.Takeoff {
		if _, err := time.ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("sequence.takeoff[%d].duration: %w", i, err)
		}
	}
	for i, s := range cfg.Sequence.Landing {
		if _, err := time.ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("sequence.landing[%d].duration: %w", i, err)
		}
	}

	if cfg.Stream.ChunkSize <= 0 {
		return fmt.Errorf("stream.chunk_size must be positive, got %d", cfg.Stream.ChunkSize)
	}
	if cfg.Stream.MaxBuffer < cfg.Stream.ChunkSize {
		return fmt.Errorf("stream.max_buffer %d smaller than chunk_size %d", cfg.Stream.MaxBuffer, cfg.Stream.ChunkSize)
	}
	if _, err := control.ParsePolicy(cfg.Tracker.Policy); err != nil {
		return fmt.Errorf("tracker.policy: %w", err)
	}
	switch cfg.Tracker.Detector {
	case "none", "opencv", "spot":
	case "process":
		if cfg.Tracker.Command == "" {
			return fmt.Errorf("tracker.command is required for the process detector")
		}
	default:
		return fmt.Errorf("tracker.detector: unknown detector %q", cfg.Tracker.Detector)
	}
	switch cfg.Link.Kind {
	case "crtp", "log":
	default:
		return fmt.Errorf("link.kind: unknown link %q", cfg.Link.Kind)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos out of range: %d", cfg.MQTT.QoS)
	}

	floats := []struct {
		key   string
		value float64
	}{
		{"control.deadband_px", cfg.Control.DeadbandPx},
		{"control.turn_roll", float64(cfg.Control.TurnRoll)},
		{"control.turn_error_px", cfg.Control.TurnErrorPx},
		{"control.turn_pitch", float64(cfg.Control.TurnPitch)},
		{"control.limits.attitude_min", float64(cfg.Control.Limits.AttitudeMin)},
		{"control.limits.attitude_max", float64(cfg.Control.Limits.AttitudeMax)},
	}
	for _, f := range floats {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%s: must be a finite number, got %v", f.key, f.value)
		}
	}

	law, err := cfg.ControlConfig()
	if err != nil {
		return err
	}
	if err := law.Validate(); err != nil {
		return err
	}
	seq, err := cfg.FlightConfig()
	if err != nil {
		return err
	}
	return seq.Validate()
}

func (cfg *SkytrackConfig) normalize(path string) {
	def := Default()

	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}

	fill(&cfg.Stream.Addr, def.Stream.Addr)
	fill(&cfg.Stream.ReadTimeout, def.Stream.ReadTimeout)
	fill(&cfg.Stream.DialTimeout, def.Stream.DialTimeout)
	fill(&cfg.Stream.Reconnect, def.Stream.Reconnect)
	if cfg.Stream.ChunkSize <= 0 {
		cfg.Stream.ChunkSize = def.Stream.ChunkSize
	}
	if cfg.Stream.MaxBuffer <= 0 {
		cfg.Stream.MaxBuffer = def.Stream.MaxBuffer
	}

	cfg.Tracker.Policy = strings.ToLower(strings.TrimSpace(cfg.Tracker.Policy))
	cfg.Tracker.Detector = strings.ToLower(strings.TrimSpace(cfg.Tracker.Detector))
	fill(&cfg.Tracker.Policy, def.Tracker.Policy)
	fill(&cfg.Tracker.SampleInterval, def.Tracker.SampleInterval)
	fill(&cfg.Tracker.Detector, def.Tracker.Detector)
	fill(&cfg.Tracker.Timeout, def.Tracker.Timeout)

	fill(&cfg.Control.MaxTurn, def.Control.MaxTurn)
	if len(cfg.Sequence.Takeoff) == 0 {
		cfg.Sequence.Takeoff = append([]StepConfig(nil), def.Sequence.Takeoff...)
	}
	if len(cfg.Sequence.Landing) == 0 {
		cfg.Sequence.Landing = append([]StepConfig(nil), def.Sequence.Landing...)
	}
	fill(&cfg.Sequence.AdvanceFace, def.Sequence.AdvanceFace)
	fill(&cfg.Sequence.AdvanceCircle, def.Sequence.AdvanceCircle)
	fill(&cfg.Sequence.PollInterval, def.Sequence.PollInterval)
	fill(&cfg.Sequence.TargetWait, def.Sequence.TargetWait)

	cfg.Link.Kind = strings.ToLower(strings.TrimSpace(cfg.Link.Kind))
	fill(&cfg.Link.Kind, def.Link.Kind)
	fill(&cfg.Link.Addr, def.Link.Addr)
	fill(&cfg.Link.Tick, def.Link.Tick)

	fill(&cfg.Foxglove.WSAddr, def.Foxglove.WSAddr)
	fill(&cfg.Foxglove.Name, def.Foxglove.Name)
	fill(&cfg.Foxglove.CameraTopic, def.Foxglove.CameraTopic)
	fill(&cfg.Foxglove.TargetTopic, def.Foxglove.TargetTopic)
	fill(&cfg.Foxglove.TrackingTopic, def.Foxglove.TrackingTopic)
	fill(&cfg.Foxglove.StateTopic, def.Foxglove.StateTopic)
	fill(&cfg.Foxglove.CommandTopic, def.Foxglove.CommandTopic)
	fill(&cfg.Foxglove.LogTopic, def.Foxglove.LogTopic)
	fill(&cfg.Foxglove.ImageFrame, def.Foxglove.ImageFrame)
	fill(&cfg.Foxglove.LogName, def.Foxglove.LogName)

	fill(&cfg.MQTT.Broker, def.MQTT.Broker)
	fill(&cfg.MQTT.ClientID, def.MQTT.ClientID)
	cfg.MQTT.Prefix = strings.Trim(cfg.MQTT.Prefix, "/")
	fill(&cfg.MQTT.Prefix, def.MQTT.Prefix)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	fill(&cfg.Log.Level, def.Log.Level)
	fill(&cfg.Log.Format, def.Log.Format)

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}

// duration parses a value Validate has already accepted.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func limitsFrom(l protocol.Limits) LimitsConfig {
	return LimitsConfig{
		ThrustMin:   l.ThrustMin,
		ThrustMax:   l.ThrustMax,
		AttitudeMin: l.AttitudeMin,
		AttitudeMax: l.AttitudeMax,
	}
}

func (cfg *SkytrackConfig) Limits() protocol.Limits {
	l := cfg.Control.Limits
	return protocol.Limits{
		ThrustMin:   l.ThrustMin,
		ThrustMax:   l.ThrustMax,
		AttitudeMin: l.AttitudeMin,
		AttitudeMax: l.AttitudeMax,
	}
}

func (cfg *SkytrackConfig) Policy() control.Policy {
	p, err := control.ParsePolicy(cfg.Tracker.Policy)
	if err != nil {
		return control.PolicyFace
	}
	return p
}

func (cfg *SkytrackConfig) ControlConfig() (control.Config, error) {
	maxTurn, err := time.ParseDuration(cfg.Control.MaxTurn)
	if err != nil {
		return control.Config{}, fmt.Errorf("control.max_turn: %w", err)
	}
	return control.Config{
		DeadbandPx:  cfg.Control.DeadbandPx,
		TurnRoll:    cfg.Control.TurnRoll,
		TurnTime:    time.Duration(cfg.Control.TurnTimeMS) * time.Millisecond,
		TurnErrorPx: cfg.Control.TurnErrorPx,
		TurnPitch:   cfg.Control.TurnPitch,
		TurnThrust:  cfg.Sequence.HoverThrust,
		MaxTurn:     maxTurn,
		Limits:      cfg.Limits(),
	}, nil
}

func steps(in []StepConfig, key string) ([]flight.Step, error) {
	out := make([]flight.Step, 0, len(in))
	for i, s := range in {
		d, err := time.ParseDuration(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].duration: %w", key, i, err)
		}
		out = append(out, flight.Step{Thrust: s.Thrust, Duration: d})
	}
	return out, nil
}

func (cfg *SkytrackConfig) FlightConfig() (flight.Config, error) {
	takeoff, err := steps(cfg.Sequence.Takeoff, "sequence.takeoff")
	if err != nil {
		return flight.Config{}, err
	}
	landing, err := steps(cfg.Sequence.Landing, "sequence.landing")
	if err != nil {
		return flight.Config{}, err
	}
	seq := cfg.Sequence
	return flight.Config{
		Policy:        cfg.Policy(),
		Takeoff:       takeoff,
		Landing:       landing,
		LandingPitch:  seq.LandingPitch,
		RollTrim:      seq.RollTrim,
		HoverThrust:   seq.HoverThrust,
		AdvancePitch:  seq.AdvancePitch,
		AdvanceThrust: seq.AdvanceThrust,
		AdvanceFace:   duration(seq.AdvanceFace),
		AdvanceCircle: duration(seq.AdvanceCircle),
		PollInterval:  duration(seq.PollInterval),
		TargetWait:    duration(seq.TargetWait),
		Limits:        cfg.Limits(),
	}, nil
}

func (cfg *SkytrackConfig) FoxgloveConfig() foxglove.Config {
	fx := foxglove.DefaultConfig()
	fx.WSAddr = cfg.Foxglove.WSAddr
	fx.Name = cfg.Foxglove.Name
	fx.CameraTopic = cfg.Foxglove.CameraTopic
	fx.TargetTopic = cfg.Foxglove.TargetTopic
	fx.TrackingTopic = cfg.Foxglove.TrackingTopic
	fx.StateTopic = cfg.Foxglove.StateTopic
	fx.CommandTopic = cfg.Foxglove.CommandTopic
	fx.LogTopic = cfg.Foxglove.LogTopic
	fx.ImageFrameID = cfg.Foxglove.ImageFrame
	fx.LogName = cfg.Foxglove.LogName
	return fx
}

func (cfg *SkytrackConfig) ReadTimeout() time.Duration    { return duration(cfg.Stream.ReadTimeout) }
func (cfg *SkytrackConfig) DialTimeout() time.Duration    { return duration(cfg.Stream.DialTimeout) }
func (cfg *SkytrackConfig) Reconnect() time.Duration      { return duration(cfg.Stream.Reconnect) }
func (cfg *SkytrackConfig) SampleInterval() time.Duration { return duration(cfg.Tracker.SampleInterval) }
func (cfg *SkytrackConfig) DetectorTimeout() time.Duration {
	return duration(cfg.Tracker.Timeout)
}
func (cfg *SkytrackConfig) Tick() time.Duration { return duration(cfg.Link.Tick) }
