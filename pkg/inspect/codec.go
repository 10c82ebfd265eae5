package inspect

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/avc"
)

type AVCConfig struct {
	Profile byte
	Level   byte
	SPS     [][]byte
	PPS     [][]byte
}

type AACConfig struct {
	ObjectType byte
	SampleRate int
	Channels   int
}

// ParseAVCDecoderConfig decodes an AVCDecoderConfigurationRecord as carried in
// an FLV AVC sequence header.
func ParseAVCDecoderConfig(data []byte) (AVCConfig, error) {
	if len(data) < 7 {
		return AVCConfig{}, fmt.Errorf("avc config too short")
	}
	rec, err := avc.DecodeAVCDecConfRec(data)
	if err != nil {
		return AVCConfig{}, fmt.Errorf("avc config: %w", err)
	}
	return avcConfigFromRecord(rec), nil
}

func avcConfigFromRecord(rec avc.DecConfRec) AVCConfig {
	return AVCConfig{
		Profile: rec.AVCProfileIndication,
		Level:   rec.AVCLevelIndication,
		SPS:     rec.SPSnalus,
		PPS:     rec.PPSnalus,
	}
}

func ParseAudioSpecificConfig(data []byte) (AACConfig, error) {
	if len(data) == 0 {
		return AACConfig{}, fmt.Errorf("aac config empty")
	}
	asc, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(data))
	if err != nil {
		return AACConfig{}, err
	}
	return AACConfig{
		ObjectType: asc.ObjectType,
		SampleRate: asc.SamplingFrequency,
		Channels:   int(asc.ChannelConfiguration),
	}, nil
}
