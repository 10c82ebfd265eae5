package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"
)

var ErrUnreadable = errors.New("media file unreadable")

// ProbeFile inspects the file at path. FLV and MP4-family containers are
// parsed; other containers only report their name.
func ProbeFile(ctx context.Context, path string) (Result, error) {
	container := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	switch container {
	case "flv":
		return probeFLV(ctx, f)
	case "mp4", "mov", "m4v":
		return probeMP4(f, container)
	default:
		return Result{Container: container}, nil
	}
}

func probeFLV(ctx context.Context, r io.Reader) (Result, error) {
	dec, err := flv.NewDecoder(r)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	in := New("flv")
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		var flvTag tag.FlvTag
		if err := dec.Decode(&flvTag); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Result{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		err := inspectTag(in, &flvTag)
		flvTag.Close()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
	}
	return in.Result(), nil
}

func inspectTag(in *Inspector, flvTag *tag.FlvTag) error {
	ts := int64(flvTag.Timestamp)
	switch data := flvTag.Data.(type) {
	case *tag.ScriptData:
		if meta, ok := data.Objects["onMetaData"]; ok {
			if d, ok := meta["duration"].(float64); ok {
				in.SetDuration(time.Duration(d * float64(time.Second)))
			}
			if fps, ok := meta["framerate"].(float64); ok {
				in.SetVideoFPS(fps)
			}
		}
	case *tag.AudioData:
		body := new(bytes.Buffer)
		if _, err := io.Copy(body, data.Data); err != nil {
			return err
		}
		if data.SoundFormat != tag.SoundFormatAAC {
			in.SetAudioCodec(soundFormatName(data.SoundFormat), 0, 0)
			in.OnAudioSample(ts, body.Len())
			return nil
		}
		switch data.AACPacketType {
		case tag.AACPacketTypeSequenceHeader:
			cfg, err := ParseAudioSpecificConfig(body.Bytes())
			if err != nil {
				return err
			}
			in.OnAudioConfig(cfg)
		case tag.AACPacketTypeRaw:
			in.OnAudioSample(ts, body.Len())
		}
	case *tag.VideoData:
		body := new(bytes.Buffer)
		if _, err := io.Copy(body, data.Data); err != nil {
			return err
		}
		isKey := data.FrameType == tag.FrameTypeKeyFrame
		if data.CodecID != tag.CodecIDAVC {
			in.SetVideoCodec(codecIDName(data.CodecID), 0, 0)
			in.OnVideoSample(ts, body.Len(), isKey)
			return nil
		}
		switch data.AVCPacketType {
		case tag.AVCPacketTypeSequenceHeader:
			cfg, err := ParseAVCDecoderConfig(body.Bytes())
			if err != nil {
				return err
			}
			in.OnVideoConfig(cfg)
		case tag.AVCPacketTypeNALU:
			in.OnVideoSample(ts, body.Len(), isKey)
		}
	}
	return nil
}

func probeMP4(f *os.File, container string) (Result, error) {
	parsed, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if parsed.Moov == nil {
		return Result{}, fmt.Errorf("%w: no moov box", ErrUnreadable)
	}
	in := New(container)
	if mvhd := parsed.Moov.Mvhd; mvhd != nil && mvhd.Timescale > 0 {
		in.SetDuration(time.Duration(float64(mvhd.Duration) / float64(mvhd.Timescale) * float64(time.Second)))
	}
	for _, trak := range parsed.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stbl := trak.Mdia.Minf.Stbl
		if stbl.Stsd == nil {
			continue
		}
		switch trak.Mdia.Hdlr.HandlerType {
		case "vide":
			switch {
			case stbl.Stsd.AvcX != nil && stbl.Stsd.AvcX.AvcC != nil:
				in.OnVideoConfig(avcConfigFromRecord(stbl.Stsd.AvcX.AvcC.DecConfRec))
			case stbl.Stsd.HvcX != nil:
				in.SetVideoCodec("HEVC", int(stbl.Stsd.HvcX.Width), int(stbl.Stsd.HvcX.Height))
			default:
				in.SetVideoCodec("unknown", 0, 0)
			}
			if mdhd := trak.Mdia.Mdhd; mdhd != nil && mdhd.Timescale > 0 && mdhd.Duration > 0 && stbl.Stsz != nil {
				seconds := float64(mdhd.Duration) / float64(mdhd.Timescale)
				in.SetVideoFPS(float64(stbl.Stsz.SampleNumber) / seconds)
			}
		case "soun":
			if mp4a := stbl.Stsd.Mp4a; mp4a != nil {
				in.SetAudioCodec("AAC", int(mp4a.SampleRate), int(mp4a.ChannelCount))
			} else {
				in.SetAudioCodec("unknown", 0, 0)
			}
		}
	}
	res := in.Result()
	if st, err := f.Stat(); err == nil && res.Duration > 0 {
		res.Bitrate = int64(float64(st.Size()*8) / res.Duration.Seconds())
	}
	return res, nil
}

func soundFormatName(format tag.SoundFormat) string {
	switch format {
	case tag.SoundFormatMP3:
		return "MP3"
	case tag.SoundFormatSpeex:
		return "Speex"
	default:
		return fmt.Sprintf("sound_format_%d", format)
	}
}

func codecIDName(id tag.CodecID) string {
	switch id {
	case tag.CodecIDSorensonH263:
		return "H263"
	case tag.CodecIDOn2VP6:
		return "VP6"
	default:
		return fmt.Sprintf("codec_id_%d", id)
	}
}
