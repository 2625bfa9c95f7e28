package protocol

import (
	"encoding/binary"
	"strconv"
)

// Magic identifies schema v3 of the session log. Readers reject any other
// value because the field list and frame layout are tied to it.
const Magic uint32 = 0x0B00B003

// TicksPerSecond is the resolution of Frame.Elapsed.
const TicksPerSecond = 10_000_000

// FieldNames is the v3 header schema, in wire order.
var FieldNames = []string{
	"player_name",
	"player_id",
	"device_model",
	"level_id",
	"song_name",
	"song_sub_name",
	"beats_per_minute",
	"difficulty",
	"battery_energy",
	"demo_no_fail",
	"demo_no_obstacles",
	"disappearing_arrows",
	"fail_on_saber_clash",
	"fast_notes",
	"ghost_notes",
	"insta_fail",
	"no_arrows",
	"no_bombs",
	"no_fail",
	"no_obstacles",
	"song_speed_mul",
	"strict_angles",
	"song_speed",
	"enabled_obstacle_type",
	"energy_type",
	"characteristic",
}

// Metadata is everything the host knows about a session when it starts.
// Each value is written as text; see Fields for the per-type encoding.
type Metadata struct {
	PlayerName  string
	PlayerID    string
	DeviceModel string

	LevelID        string
	SongName       string
	SongSubName    string
	BeatsPerMinute float32
	Difficulty     string
	Characteristic string

	Modifiers Modifiers
}

// Modifiers are the gameplay modifiers active for the level.
type Modifiers struct {
	BatteryEnergy       bool
	DemoNoFail          bool
	DemoNoObstacles     bool
	DisappearingArrows  bool
	FailOnSaberClash    bool
	FastNotes           bool
	GhostNotes          bool
	InstaFail           bool
	NoArrows            bool
	NoBombs             bool
	NoFail              bool
	NoObstacles         bool
	SongSpeedMul        float32
	StrictAngles        bool
	SongSpeed           string
	EnabledObstacleType string
	EnergyType          string
}

// Fields renders m as header values in FieldNames order.
func (m *Metadata) Fields() []string {
	mod := &m.Modifiers
	return []string{
		m.PlayerName,
		m.PlayerID,
		m.DeviceModel,
		m.LevelID,
		m.SongName,
		m.SongSubName,
		FormatFloat(m.BeatsPerMinute),
		m.Difficulty,
		FormatBool(mod.BatteryEnergy),
		FormatBool(mod.DemoNoFail),
		FormatBool(mod.DemoNoObstacles),
		FormatBool(mod.DisappearingArrows),
		FormatBool(mod.FailOnSaberClash),
		FormatBool(mod.FastNotes),
		FormatBool(mod.GhostNotes),
		FormatBool(mod.InstaFail),
		FormatBool(mod.NoArrows),
		FormatBool(mod.NoBombs),
		FormatBool(mod.NoFail),
		FormatBool(mod.NoObstacles),
		FormatFloat(mod.SongSpeedMul),
		FormatBool(mod.StrictAngles),
		mod.SongSpeed,
		mod.EnabledObstacleType,
		mod.EnergyType,
		m.Characteristic,
	}
}

// FormatFloat is the header encoding of a float32: shortest text that
// parses back to the same value, '.' separator, never an exponent.
func FormatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

// FormatBool is the header encoding of a bool. The capitalized form is
// what existing collectors parse.
func FormatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// AppendHeader appends magic, field count and the length-prefixed fields.
// Lengths are unsigned base-128 varints.
func AppendHeader(dst []byte, fields []string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, Magic)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(len(fields))))
	for _, f := range fields {
		dst = binary.AppendUvarint(dst, uint64(len(f)))
		dst = append(dst, f...)
	}
	return dst
}

// ContentType marks a request body as a session log.
const ContentType = "application/x-beat-brain"
