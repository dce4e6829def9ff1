package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		id   ID
		want Class
	}{
		{Control, Normal},
		{Sensor, Normal},
		{Video, Medium},
		{Input, Normal},
		{Audio1, High},
		{Audio2, High},
		{Audio, High},
		{Mic, Normal},
		{Phone, Normal},
		{Raw, Normal},
		{ID(200), Normal},
	}

	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Class())
		})
	}
}

func TestEveryIDHasOneClass(t *testing.T) {
	for i := 0; i <= 255; i++ {
		c := ID(i).Class()
		assert.True(t, c.Valid(), "id %d mapped to invalid class %d", i, c)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "audio(6)", Audio.String())
	assert.Equal(t, "music-playback", Playback.Name())
	assert.Equal(t, "unknown", ID(42).Name())
	assert.Equal(t, "raw", Raw.Name())

	assert.Equal(t, "high", High.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "class(7)", Class(7).String())
	assert.False(t, Class(3).Valid())
}
