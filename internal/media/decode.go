package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/ebiten/v2/audio/mp3"
	"github.com/hajimehoshi/ebiten/v2/audio/vorbis"
	ebitenwav "github.com/hajimehoshi/ebiten/v2/audio/wav"
	"github.com/pion/opus"
)

// Format is a sniffed container type.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatVorbis  Format = "ogg"
	FormatUnknown Format = ""
)

// Sniff identifies the container from its leading bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return FormatVorbis
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

// Decode parses an encoded audio file and resamples it to targetRate. Any
// failure wraps ErrDecode.
func Decode(id string, data []byte, targetRate int) (*Buffer, error) {
	var (
		b   *Buffer
		err error
	)
	switch Sniff(data) {
	case FormatWAV:
		b, err = decodeWAV(id, data)
	case FormatVorbis:
		b, err = decodeEbiten(id, data, func(r io.Reader) (f32Stream, error) { return vorbis.DecodeF32(r) })
	case FormatMP3:
		b, err = decodeEbiten(id, data, func(r io.Reader) (f32Stream, error) { return mp3.DecodeF32(r) })
	default:
		return nil, fmt.Errorf("%w: %q: unrecognized format", ErrDecode, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrDecode, id, err)
	}
	if b.Frames() == 0 {
		return nil, fmt.Errorf("%w: %q: no audio frames", ErrDecode, id)
	}
	return b.Resample(targetRate), nil
}

// decodeWAV handles integer PCM through go-audio and falls back to the
// ebiten decoder for formats go-audio rejects.
func decodeWAV(id string, data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if dec.IsValidFile() {
		pcm, err := dec.FullPCMBuffer()
		if err == nil && pcm != nil && pcm.Format != nil && dec.BitDepth > 0 {
			scale := float32(math.Pow(2, float64(dec.BitDepth)-1))
			out := make([]float32, len(pcm.Data))
			for i, v := range pcm.Data {
				out[i] = float32(v) / scale
			}
			return FromInterleaved(id, pcm.Format.SampleRate, pcm.Format.NumChannels, out)
		}
	}
	return decodeEbiten(id, data, func(r io.Reader) (f32Stream, error) { return ebitenwav.DecodeF32(r) })
}

// f32Stream is what the ebiten decoders return: interleaved stereo float32
// little-endian samples.
type f32Stream interface {
	io.Reader
	SampleRate() int
}

func decodeEbiten(id string, data []byte, open func(io.Reader) (f32Stream, error)) (*Buffer, error) {
	s, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return FromInterleaved(id, s.SampleRate(), 2, samples)
}

// maxOpusFrame is 120ms of stereo 48kHz int16 samples, the largest frame an
// opus packet can carry.
const maxOpusFrame = 5760 * 2 * 2

// DecodeOpusPackets decodes a sequence of raw opus packets, as delivered by
// a network collaborator, into one buffer at targetRate.
func DecodeOpusPackets(id string, packets [][]byte, targetRate int) (*Buffer, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: %q: no opus packets", ErrDecode, id)
	}
	dec := opus.NewDecoder()
	out := make([]byte, maxOpusFrame)
	var (
		samples []float32
		rate    int
	)
	for i, pkt := range packets {
		bandwidth, stereo, err := dec.Decode(pkt, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: packet %d: %v", ErrDecode, id, i, err)
		}
		if rate == 0 {
			rate = bandwidth.SampleRate()
		}
		n, err := packetSamples(pkt, bandwidth.SampleRate())
		if err != nil {
			return nil, fmt.Errorf("%w: %q: packet %d: %v", ErrDecode, id, i, err)
		}
		channels := 1
		if stereo {
			channels = 2
		}
		frame := out[:min(n*channels*2, len(out))]
		for j := 0; j+1 < len(frame); j += 2 {
			v := float32(int16(binary.LittleEndian.Uint16(frame[j:]))) / 32768
			samples = append(samples, v)
			if !stereo {
				samples = append(samples, v)
			}
		}
	}
	b, err := FromInterleaved(id, rate, 2, samples)
	if err != nil {
		return nil, err
	}
	return b.Resample(targetRate), nil
}

// opusFrameMicros lists frame durations by TOC config, in microseconds:
// SILK 0-11, hybrid 12-15, CELT 16-31.
var opusFrameMicros = [32]int{
	10000, 20000, 40000, 60000, 10000, 20000, 40000, 60000,
	10000, 20000, 40000, 60000, 10000, 20000, 10000, 20000,
	2500, 5000, 10000, 20000, 2500, 5000, 10000, 20000,
	2500, 5000, 10000, 20000, 2500, 5000, 10000, 20000,
}

// packetSamples reads the TOC byte and returns the samples per channel the
// packet decodes to at rate.
func packetSamples(pkt []byte, rate int) (int, error) {
	if len(pkt) == 0 {
		return 0, errors.New("empty packet")
	}
	toc := pkt[0]
	frames := 1
	switch toc & 3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(pkt) < 2 {
			return 0, errors.New("missing frame count")
		}
		frames = int(pkt[1] & 0x3f)
	}
	micros := frames * opusFrameMicros[toc>>3]
	if micros > 120000 {
		return 0, fmt.Errorf("packet duration %dus exceeds 120ms", micros)
	}
	return rate * micros / 1000000, nil
}
