package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command names understood by the preview runtime.
const (
	CommandPlay            = "play"
	CommandPause           = "pause"
	CommandRefresh         = "refresh"
	CommandHotReload       = "hotReload"
	CommandHardReload      = "hardReload"
	CommandSet             = "set"
	CommandCall            = "call"
	CommandProfilerStart   = "profiler.start"
	CommandProfilerStop    = "profiler.stop"
	CommandPing            = "ping"
	CommandDump            = "dump"
	CommandProfilerOutput  = "profiler.output"
	CommandProfilerStarted = "profiler.started"
	CommandProfilerStopped = "profiler.stopped"
	CommandGamePaused      = "game.paused"
	CommandGameResumed     = "game.resumed"
	CommandHotReloaderLogs = "hotReloader.logs"
	CommandPong            = "pong"
)

// Command is the typed form of a Message. Each known command name has its
// own variant; anything else decodes to Unknown.
type Command interface {
	Name() string
}

// bare marks commands that carry no payload.
type bare interface {
	Command
	bare()
}

type (
	Play            struct{}
	Pause           struct{}
	Refresh         struct{}
	HardReload      struct{}
	ProfilerStart   struct{}
	ProfilerStop    struct{}
	ProfilerStarted struct{}
	ProfilerStopped struct{}
	GamePaused      struct{}
	GameResumed     struct{}
	Ping            struct{}
	Pong            struct{}
)

func (Play) Name() string            { return CommandPlay }
func (Pause) Name() string           { return CommandPause }
func (Refresh) Name() string         { return CommandRefresh }
func (HardReload) Name() string      { return CommandHardReload }
func (ProfilerStart) Name() string   { return CommandProfilerStart }
func (ProfilerStop) Name() string    { return CommandProfilerStop }
func (ProfilerStarted) Name() string { return CommandProfilerStarted }
func (ProfilerStopped) Name() string { return CommandProfilerStopped }
func (GamePaused) Name() string      { return CommandGamePaused }
func (GameResumed) Name() string     { return CommandGameResumed }
func (Ping) Name() string            { return CommandPing }
func (Pong) Name() string            { return CommandPong }

func (Play) bare()            {}
func (Pause) bare()           {}
func (Refresh) bare()         {}
func (HardReload) bare()      {}
func (ProfilerStart) bare()   {}
func (ProfilerStop) bare()    {}
func (ProfilerStarted) bare() {}
func (ProfilerStopped) bare() {}
func (GamePaused) bare()      {}
func (GameResumed) bare()     {}
func (Ping) bare()            {}
func (Pong) bare()            {}

// HotReload asks a preview to reload the project without restarting.
type HotReload struct {
	ProjectData        json.RawMessage `json:"projectData,omitempty"`
	RuntimeGameOptions json.RawMessage `json:"runtimeGameOptions,omitempty"`
}

func (HotReload) Name() string { return CommandHotReload }

// Set assigns NewValue to the runtime value found at Path.
type Set struct {
	Path     []string        `json:"path"`
	NewValue json.RawMessage `json:"newValue"`
}

func (Set) Name() string { return CommandSet }

// Call invokes the runtime function found at Path.
type Call struct {
	Path []string          `json:"path"`
	Args []json.RawMessage `json:"args,omitempty"`
}

func (Call) Name() string { return CommandCall }

// Dump carries a serialized snapshot of the preview's runtime state.
type Dump struct {
	State json.RawMessage
}

func (Dump) Name() string { return CommandDump }

// ProfilerOutput carries the measures collected by a profiling session.
type ProfilerOutput struct {
	FramesAverageMeasures json.RawMessage `json:"framesAverageMeasures,omitempty"`
	Stats                 json.RawMessage `json:"stats,omitempty"`
}

func (ProfilerOutput) Name() string { return CommandProfilerOutput }

// HotReloaderLog is one entry reported by the preview after a hot reload.
type HotReloaderLog struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HotReloaderLogs reports the outcome of a hot reload.
type HotReloaderLogs struct {
	Logs []HotReloaderLog `json:"logs"`
}

func (HotReloaderLogs) Name() string { return CommandHotReloaderLogs }

// UnmarshalJSON accepts both {"logs": [...]} and the bare array previews send.
func (h *HotReloaderLogs) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &h.Logs)
	}
	var w struct {
		Logs []HotReloaderLog `json:"logs"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	h.Logs = w.Logs
	return nil
}

// Unknown keeps any command this package has no variant for.
type Unknown struct {
	Command string
	Payload json.RawMessage
}

func (u Unknown) Name() string { return u.Command }

type decoder func(payload json.RawMessage) (Command, error)

func bareDecoder(c Command) decoder {
	return func(json.RawMessage) (Command, error) { return c, nil }
}

func structDecoder[T Command](validate func(T) error) decoder {
	return func(payload json.RawMessage) (Command, error) {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
		}
		if validate != nil {
			if err := validate(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

var decoders = map[string]decoder{
	CommandPlay:            bareDecoder(Play{}),
	CommandPause:           bareDecoder(Pause{}),
	CommandRefresh:         bareDecoder(Refresh{}),
	CommandHardReload:      bareDecoder(HardReload{}),
	CommandProfilerStart:   bareDecoder(ProfilerStart{}),
	CommandProfilerStop:    bareDecoder(ProfilerStop{}),
	CommandProfilerStarted: bareDecoder(ProfilerStarted{}),
	CommandProfilerStopped: bareDecoder(ProfilerStopped{}),
	CommandGamePaused:      bareDecoder(GamePaused{}),
	CommandGameResumed:     bareDecoder(GameResumed{}),
	CommandPing:            bareDecoder(Ping{}),
	CommandPong:            bareDecoder(Pong{}),
	CommandHotReload:       structDecoder[HotReload](nil),
	CommandProfilerOutput:  structDecoder[ProfilerOutput](nil),
	CommandHotReloaderLogs: structDecoder[HotReloaderLogs](nil),
	CommandSet: structDecoder(func(s Set) error {
		if len(s.Path) == 0 {
			return fmt.Errorf("set requires a path")
		}
		return nil
	}),
	CommandCall: structDecoder(func(c Call) error {
		if len(c.Path) == 0 {
			return fmt.Errorf("call requires a path")
		}
		return nil
	}),
	CommandDump: func(payload json.RawMessage) (Command, error) {
		return Dump{State: payload}, nil
	},
}

// DecodeCommand returns the typed variant of msg. Unknown command names, and
// known names whose payload does not fit their variant, decode to Unknown.
// Only a missing command is an error.
func DecodeCommand(msg Message) (Command, error) {
	if msg.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformedMessage)
	}
	decode, ok := decoders[msg.Command]
	if !ok {
		return Unknown{Command: msg.Command, Payload: msg.Payload}, nil
	}
	cmd, err := decode(msg.Payload)
	if err != nil {
		return Unknown{Command: msg.Command, Payload: msg.Payload}, nil
	}
	return cmd, nil
}

// NewMessage encodes a typed command into a Message without correlation id.
func NewMessage(cmd Command) (Message, error) {
	if cmd == nil || cmd.Name() == "" {
		return Message{}, fmt.Errorf("%w: empty command", ErrMalformedMessage)
	}
	msg := Message{Command: cmd.Name()}
	switch c := cmd.(type) {
	case bare:
		return msg, nil
	case Unknown:
		msg.Payload = c.Payload
		return msg, nil
	case Dump:
		msg.Payload = c.State
		return msg, nil
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", cmd.Name(), err)
	}
	msg.Payload = payload
	return msg, nil
}

// MustMessage is NewMessage for commands known to encode.
func MustMessage(cmd Command) Message {
	msg, err := NewMessage(cmd)
	if err != nil {
		panic(err)
	}
	return msg
}
