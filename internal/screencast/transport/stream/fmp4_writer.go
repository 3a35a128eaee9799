package stream

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimeScale = 90000
	// defaultFrameDuration is used for the first video sample, ~30fps.
	defaultFrameDuration = videoTimeScale / 30
	aacFrameSamples      = 1024
)

// scaleMillis converts a timestamp in milliseconds into timeScale units.
func scaleMillis(ms int64, timeScale uint32) int64 {
	if ms <= 0 {
		return 0
	}
	return ms * int64(timeScale) / 1000
}

type fmp4Track struct {
	timeScale uint32
	lastDTS   int64
	started   bool
	fallback  uint32
}

// duration derives a sample duration from the gap to the previous sample.
func (t *fmp4Track) duration(dts int64) uint32 {
	var d uint32
	if t.started && dts > t.lastDTS {
		d = uint32(dts - t.lastDTS)
	}
	if d == 0 {
		d = t.fallback
	}
	t.lastDTS = dts
	t.started = true
	return d
}

// fmp4Writer turns the session's units into an init segment and one
// moof+mdat part per sample.
type fmp4Writer struct {
	video    *fmp4Track
	audio    *fmp4Track
	sequence uint32
}

func newFMP4Writer() *fmp4Writer {
	return &fmp4Writer{
		video:    &fmp4Track{timeScale: videoTimeScale, fallback: defaultFrameDuration},
		sequence: 1,
	}
}

// initSegment builds the ftyp+moov. audio may be nil for a video-only stream.
func (w *fmp4Writer) initSegment(sps, pps []byte, audio *mpeg4audio.AudioSpecificConfig) ([]byte, error) {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecH264{SPS: sps, PPS: pps},
		}},
	}
	w.audio = nil
	if audio != nil {
		w.audio = &fmp4Track{timeScale: uint32(audio.SampleRate), fallback: aacFrameSamples}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(audio.SampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: *audio},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, errors.Wrap(err, "marshal init segment")
	}
	return buf.Bytes(), nil
}

// videoPart wraps one AVCC access unit.
func (w *fmp4Writer) videoPart(avcc []byte, ms int64, keyFrame bool) ([]byte, error) {
	dts := scaleMillis(ms, w.video.timeScale)
	sample := &fmp4.Sample{
		Duration:        w.video.duration(dts),
		IsNonSyncSample: !keyFrame,
		Payload:         avcc,
	}
	return w.part(videoTrackID, dts, sample)
}

// audioPart wraps one raw AAC frame.
func (w *fmp4Writer) audioPart(raw []byte, ms int64) ([]byte, error) {
	if w.audio == nil {
		return nil, errors.New("no audio track in init segment")
	}
	dts := scaleMillis(ms, w.audio.timeScale)
	sample := &fmp4.Sample{
		Duration: w.audio.duration(dts),
		Payload:  raw,
	}
	return w.part(audioTrackID, dts, sample)
}

func (w *fmp4Writer) part(trackID int, dts int64, sample *fmp4.Sample) ([]byte, error) {
	part := &fmp4.Part{
		SequenceNumber: w.sequence,
		Tracks: []*fmp4.PartTrack{{
			ID:       trackID,
			BaseTime: uint64(dts),
			Samples:  []*fmp4.Sample{sample},
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, errors.Wrap(err, "marshal part")
	}
	w.sequence++
	return buf.Bytes(), nil
}
