// Package channel defines the logical stream identifiers carried in frame
// headers and their mapping onto delivery priority classes.
package channel

import "strconv"

// ID identifies a logical stream multiplexed over the link.
type ID uint8

// Well-known channel identifiers.
const (
	Control      ID = 0
	Sensor       ID = 1
	Video        ID = 2
	Input        ID = 3
	Audio1       ID = 4
	Audio2       ID = 5
	Audio        ID = 6
	Mic          ID = 7
	Bluetooth    ID = 8
	Playback     ID = 9
	Navigation   ID = 10
	Notification ID = 11
	Phone        ID = 12

	// Raw tags undecoded transfer payloads when framing is disabled.
	Raw ID = 255
)

// Name returns a short lowercase name for the channel.
func (id ID) Name() string {
	switch id {
	case Control:
		return "control"
	case Sensor:
		return "sensor"
	case Video:
		return "video"
	case Input:
		return "input"
	case Audio1:
		return "audio1"
	case Audio2:
		return "audio2"
	case Audio:
		return "audio"
	case Mic:
		return "mic"
	case Bluetooth:
		return "bluetooth"
	case Playback:
		return "music-playback"
	case Navigation:
		return "navigation"
	case Notification:
		return "notification"
	case Phone:
		return "phone"
	case Raw:
		return "raw"
	default:
		return "unknown"
	}
}

// String returns the name and numeric id, e.g. "audio(6)".
func (id ID) String() string {
	return id.Name() + "(" + strconv.Itoa(int(id)) + ")"
}

// IsAudio reports whether id carries an audio stream.
func (id ID) IsAudio() bool {
	return id == Audio || id == Audio1 || id == Audio2
}

// IsVideo reports whether id carries the video stream.
func (id ID) IsVideo() bool {
	return id == Video
}

// Class returns the priority class of id.
func (id ID) Class() Class {
	switch {
	case id.IsAudio():
		return High
	case id.IsVideo():
		return Medium
	default:
		return Normal
	}
}

// Class is a delivery priority class. Every channel maps to exactly one.
type Class uint8

// Priority classes, highest first.
const (
	High   Class = iota // Audio; real-time sensitive
	Medium              // Video; tolerates bounded delay
	Normal              // Everything else

	NumClasses = 3
)

// Classes lists every class in priority order.
var Classes = [NumClasses]Class{High, Medium, Normal}

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Normal:
		return "normal"
	default:
		return "class(" + strconv.Itoa(int(c)) + ")"
	}
}

// Valid reports whether c is one of the defined classes.
func (c Class) Valid() bool {
	return c < NumClasses
}
