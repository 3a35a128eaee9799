package encoder

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var startCode = []byte{0, 0, 1}

// nalScanner splits an Annex-B byte stream arriving in arbitrary chunks into
// NAL units. A unit is complete once the next start code is seen.
type nalScanner struct {
	buf     []byte
	started bool
}

// Write appends p and returns the NAL units it completed.
func (s *nalScanner) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte

	for {
		idx := bytes.Index(s.buf, startCode)
		if idx < 0 {
			return out
		}
		if s.started {
			nalu := trimTrailingZeros(s.buf[:idx])
			if len(nalu) > 0 {
				out = append(out, append([]byte(nil), nalu...))
			}
		}
		s.started = true
		s.buf = s.buf[idx+len(startCode):]
	}
}

// Flush returns the trailing unit at end of stream.
func (s *nalScanner) Flush() []byte {
	if !s.started || len(s.buf) == 0 {
		return nil
	}
	nalu := append([]byte(nil), s.buf...)
	s.buf = nil
	return nalu
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// auSplitter groups NAL units into access units.
type auSplitter struct {
	pending [][]byte
	hasVCL  bool
}

// Push adds nalu and returns the previous access unit if nalu starts a new one.
func (s *auSplitter) Push(nalu []byte) [][]byte {
	if len(nalu) == 0 {
		return nil
	}
	typ := h264.NALUType(nalu[0] & 0x1f)

	var complete [][]byte
	if s.hasVCL && startsAccessUnit(typ, nalu) {
		complete = s.pending
		s.pending = nil
		s.hasVCL = false
	}
	s.pending = append(s.pending, nalu)
	if isVCL(typ) {
		s.hasVCL = true
	}
	return complete
}

// Flush returns whatever is pending.
func (s *auSplitter) Flush() [][]byte {
	au := s.pending
	s.pending = nil
	s.hasVCL = false
	return au
}

func isVCL(typ h264.NALUType) bool {
	return typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR
}

func startsAccessUnit(typ h264.NALUType, nalu []byte) bool {
	switch typ {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	}
	// first_mb_in_slice == 0 is coded as a single set bit
	return isVCL(typ) && len(nalu) > 1 && nalu[1]&0x80 != 0
}

// splitConfig separates parameter sets from the media NAL units of an access
// unit and drops delimiters.
func splitConfig(au [][]byte) (sps, pps []byte, media [][]byte, idr bool) {
	for _, nalu := range au {
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		case h264.NALUTypeAccessUnitDelimiter:
		case h264.NALUTypeIDR:
			idr = true
			media = append(media, nalu)
		default:
			media = append(media, nalu)
		}
	}
	return sps, pps, media, idr
}

func marshalAnnexB(nalus [][]byte) []byte {
	if len(nalus) == 0 {
		return nil
	}
	out, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil
	}
	return out
}
