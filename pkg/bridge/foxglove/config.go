package foxglove

const trackingSchema = `{
  "type": "object",
  "properties": {
    "present": { "type": "boolean" },
    "error_x": { "type": "number" },
    "error_y": { "type": "number" },
    "seq": { "type": "integer" },
    "ts": { "type": "string" },
    "width": { "type": "integer" },
    "height": { "type": "integer" },
    "target": {
      "type": "object",
      "properties": {
        "center_x": { "type": "number" },
        "center_y": { "type": "number" },
        "extent": { "type": "number" }
      }
    }
  },
  "required": ["present", "error_x", "error_y"]
}`

const stateSchema = `{
  "type": "object",
  "properties": {
    "run_id": { "type": "string" },
    "mode": { "type": "string" },
    "from": { "type": "string" },
    "state": { "type": "string" },
    "autonomous": { "type": "boolean" }
  },
  "required": ["state"]
}`

const commandSchema = `{
  "type": "object",
  "properties": {
    "run_id": { "type": "string" },
    "roll": { "type": "number" },
    "pitch": { "type": "number" },
    "yaw": { "type": "number" },
    "thrust": { "type": "integer" },
    "duration_ms": { "type": "integer" }
  },
  "required": ["roll", "pitch", "yaw", "thrust"]
}`

type Config struct {
	WSAddr  string
	Name    string
	SendBuf int

	CameraTopic   string
	TargetTopic   string
	TrackingTopic string
	StateTopic    string
	CommandTopic  string
	LogTopic      string

	ImageFrameID string
	ImageFormat  string
	LogName      string
}

func DefaultConfig() Config {
	return Config{
		WSAddr:        "127.0.0.1:8765",
		Name:          "skytrack",
		SendBuf:       256,
		CameraTopic:   "/camera/image",
		TargetTopic:   "/camera/target",
		TrackingTopic: "/skytrack/tracking",
		StateTopic:    "/skytrack/state",
		CommandTopic:  "/skytrack/command",
		LogTopic:      "/skytrack/log",
		ImageFrameID:  "camera",
		ImageFormat:   "jpeg",
		LogName:       "skytrack",
	}
}

func (cfg *Config) normalize() {
	def := DefaultConfig()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&cfg.WSAddr, def.WSAddr)
	fill(&cfg.Name, def.Name)
	fill(&cfg.CameraTopic, def.CameraTopic)
	fill(&cfg.TargetTopic, def.TargetTopic)
	fill(&cfg.TrackingTopic, def.TrackingTopic)
	fill(&cfg.StateTopic, def.StateTopic)
	fill(&cfg.CommandTopic, def.CommandTopic)
	fill(&cfg.LogTopic, def.LogTopic)
	fill(&cfg.ImageFrameID, def.ImageFrameID)
	fill(&cfg.ImageFormat, def.ImageFormat)
	fill(&cfg.LogName, def.LogName)
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
}

// Channel ids are fixed; topics come from the config.
const (
	channelCamera uint64 = iota + 1
	channelTarget
	channelTracking
	channelState
	channelCommand
	channelLog
)

func (cfg Config) channels() []Channel {
	return []Channel{
		{ID: channelCamera, Topic: cfg.CameraTopic, Encoding: "json", SchemaName: "foxglove.CompressedImage"},
		{ID: channelTarget, Topic: cfg.TargetTopic, Encoding: "json", SchemaName: "foxglove.ImageAnnotations"},
		{ID: channelTracking, Topic: cfg.TrackingTopic, Encoding: "json", SchemaName: "skytrack.TrackingSignal", SchemaEncoding: "jsonschema", Schema: trackingSchema},
		{ID: channelState, Topic: cfg.StateTopic, Encoding: "json", SchemaName: "skytrack.FlightState", SchemaEncoding: "jsonschema", Schema: stateSchema},
		{ID: channelCommand, Topic: cfg.CommandTopic, Encoding: "json", SchemaName: "skytrack.Command", SchemaEncoding: "jsonschema", Schema: commandSchema},
		{ID: channelLog, Topic: cfg.LogTopic, Encoding: "json", SchemaName: "foxglove.Log"},
	}
}
