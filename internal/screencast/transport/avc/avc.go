// Package avc converts the encoder's Annex-B and AAC units into the shapes
// container formats expect.
package avc

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
)

// SplitAnnexB returns the NAL units of an Annex-B access unit.
func SplitAnnexB(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "parse annex-b")
	}
	return au, nil
}

// ToAVCC converts Annex-B (start codes) to AVCC (4-byte length prefixes),
// dropping access unit delimiters, which MP4 and FLV do not carry.
func ToAVCC(data []byte) ([]byte, error) {
	nalus, err := SplitAnnexB(data)
	if err != nil {
		return nil, err
	}
	return MarshalAVCC(nalus)
}

// MarshalAVCC length-prefixes nalus, skipping delimiters. An access unit
// with nothing left yields nil.
func MarshalAVCC(nalus [][]byte) ([]byte, error) {
	nalus = WithoutDelimiters(nalus)
	if len(nalus) == 0 {
		return nil, nil
	}
	out, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal avcc")
	}
	return out, nil
}

// WithoutDelimiters filters out AUD NAL units.
func WithoutDelimiters(nalus [][]byte) [][]byte {
	out := nalus[:0:0]
	for _, n := range nalus {
		if len(n) == 0 || h264.NALUType(n[0]&0x1f) == h264.NALUTypeAccessUnitDelimiter {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ParameterSets extracts SPS and PPS from a codec configuration record in
// Annex-B form.
func ParameterSets(config []byte) (sps, pps []byte, err error) {
	nalus, err := SplitAnnexB(config)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch h264.NALUType(n[0] & 0x1f) {
		case h264.NALUTypeSPS:
			sps = n
		case h264.NALUTypePPS:
			pps = n
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, errors.New("codec configuration lacks SPS or PPS")
	}
	return sps, pps, nil
}

// PrependParameterSets puts sps and pps in front of a keyframe's NAL units
// unless they are already there.
func PrependParameterSets(nalus [][]byte, sps, pps []byte) [][]byte {
	if len(sps) == 0 || len(pps) == 0 {
		return nalus
	}
	for _, n := range nalus {
		if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeSPS {
			return nalus
		}
	}
	out := make([][]byte, 0, len(nalus)+2)
	out = append(out, sps, pps)
	return append(out, nalus...)
}

// DecoderConfigurationRecord builds the avcC body used by FLV sequence
// headers (ISO/IEC 14496-15, 5.2.4.1) with one SPS and one PPS.
func DecoderConfigurationRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.Errorf("SPS too short (%d bytes)", len(sps))
	}
	if len(pps) == 0 {
		return nil, errors.New("empty PPS")
	}
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xfc|3, // lengthSizeMinusOne = 3
		0xe0|1, // numOfSequenceParameterSets = 1
		byte(len(sps)>>8), byte(len(sps)),
	)
	out = append(out, sps...)
	out = append(out, 1, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// Dimensions decodes the picture size advertised by sps.
func Dimensions(sps []byte) (width, height int, err error) {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, errors.Wrap(err, "parse SPS")
	}
	return s.Width(), s.Height(), nil
}

// StripADTS removes an ADTS header if present and returns the raw AAC
// payload. Data without an ADTS header is returned as is.
func StripADTS(data []byte) []byte {
	if len(data) < 7 || data[0] != 0xff || data[1]&0xf0 != 0xf0 {
		return data
	}
	headerLen := 7
	if data[1]&0x01 == 0 {
		headerLen = 9
	}
	if len(data) <= headerLen {
		return data
	}
	return data[headerLen:]
}

// AudioConfig decodes a 2-byte (or longer) AudioSpecificConfig.
func AudioConfig(asc []byte) (*mpeg4audio.AudioSpecificConfig, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(asc); err != nil {
		return nil, errors.Wrap(err, "parse AudioSpecificConfig")
	}
	return &conf, nil
}
