package encoder

import (
	"bufio"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
)

const adtsHeaderSize = 7

// adtsReader pulls whole ADTS frames off a byte stream.
type adtsReader struct {
	r *bufio.Reader
}

func newADTSReader(r io.Reader) *adtsReader {
	return &adtsReader{r: bufio.NewReaderSize(r, 16*1024)}
}

// Next returns the next decoded frame. It resynchronises on garbage.
func (a *adtsReader) Next() (*mpeg4audio.ADTSPacket, error) {
	for {
		header, err := a.r.Peek(adtsHeaderSize)
		if err != nil {
			return nil, err
		}
		if header[0] != 0xFF || header[1]&0xF0 != 0xF0 {
			if _, err := a.r.Discard(1); err != nil {
				return nil, err
			}
			continue
		}

		frameLen := int(header[3]&0x03)<<11 | int(header[4])<<3 | int(header[5])>>5
		if frameLen < adtsHeaderSize {
			if _, err := a.r.Discard(1); err != nil {
				return nil, err
			}
			continue
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(a.r, frame); err != nil {
			return nil, err
		}

		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(frame); err != nil {
			return nil, errors.Wrap(err, "decode ADTS frame")
		}
		if len(pkts) == 0 {
			continue
		}
		return pkts[0], nil
	}
}

// audioSpecificConfig builds the configuration record for frames like pkt.
func audioSpecificConfig(pkt *mpeg4audio.ADTSPacket) ([]byte, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         pkt.Type,
		SampleRate:   pkt.SampleRate,
		ChannelCount: pkt.ChannelCount,
	}
	return conf.Marshal()
}
