package media

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes b as integer PCM WAV (16 or 24 bit). Samples are clipped
// to [-1, 1].
func WriteWAV(w io.WriteSeeker, b *Buffer, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 {
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	enc := wav.NewEncoder(w, b.SampleRate, bitDepth, 2, 1)
	scale := math.Pow(2, float64(bitDepth-1)) - 1
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 2,
			SampleRate:  b.SampleRate,
		},
		Data:           make([]int, 2*b.Frames()),
		SourceBitDepth: bitDepth,
	}
	for i := range b.L {
		buf.Data[2*i] = int(math.Round(clip(b.L[i]) * scale))
		buf.Data[2*i+1] = int(math.Round(clip(b.R[i]) * scale))
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func clip(v float32) float64 {
	return math.Max(-1, math.Min(1, float64(v)))
}
