package encoder

import (
	"encoding/binary"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/transforms"

	"github.com/aiprojek/gemaweb-cast/pkg/capture"
)

const pcmBitDepth = 16

// encodePCM converts an interleaved float block into signed 16-bit little
// endian samples. The block's sample slice is scaled in place.
func encodePCM(b capture.Block, sampleRate int) ([]byte, error) {
	buf := &audio.Float32Buffer{
		Data: b.Samples,
		Format: &audio.Format{
			NumChannels: b.Channels,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: pcmBitDepth,
	}
	if err := transforms.PCMScaleF32(buf, pcmBitDepth); err != nil {
		return nil, err
	}

	ints := buf.AsIntBuffer()
	out := make([]byte, len(ints.Data)*2)
	for i, v := range ints.Data {
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}
