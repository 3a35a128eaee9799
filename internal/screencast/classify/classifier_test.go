package classify

import (
	"testing"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/timebase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(data []byte, flags core.BufferFlags, ms int64) core.AccessUnit {
	return core.AccessUnit{Data: data, Flags: flags, PresentationTimeUs: ms * 1000}
}

func TestClassifyHeaderOnce(t *testing.T) {
	var base timebase.Base
	c := New()

	first := c.Classify(unit([]byte{0x67, 0x68}, core.FlagConfig, 100), &base)
	require.Equal(t, ActionHeader, first.Action)
	assert.True(t, first.Packet.Header)
	assert.Equal(t, []byte{0x67, 0x68}, first.Packet.Data)
	assert.True(t, c.HeaderSent())

	dup := c.Classify(unit([]byte{0x67, 0x68}, core.FlagConfig, 200), &base)
	assert.Equal(t, ActionDrop, dup.Action)
	assert.Equal(t, DropDuplicateHeader, dup.Reason)
}

func TestClassifyDropsEmptyPayload(t *testing.T) {
	var base timebase.Base
	c := New()

	res := c.Classify(unit(nil, 0, 100), &base)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, DropEmptyPayload, res.Reason)

	_, ok := base.Origin()
	assert.False(t, ok, "dropped units must not set the origin")
}

func TestClassifyEmptyHeaderKeepsFlag(t *testing.T) {
	var base timebase.Base
	c := New()

	res := c.Classify(unit(nil, core.FlagConfig, 0), &base)
	assert.Equal(t, DropEmptyHeader, res.Reason)
	assert.False(t, c.HeaderSent())

	res = c.Classify(unit([]byte{1}, core.FlagConfig, 0), &base)
	assert.Equal(t, ActionHeader, res.Action)
}

func TestClassifyExampleSequence(t *testing.T) {
	var base timebase.Base
	c := New()
	const t0 = 7_000

	inputs := []core.AccessUnit{
		unit([]byte{0x67}, core.FlagConfig, t0),
		unit([]byte{0x65}, core.FlagKeyFrame, t0+33),
		unit([]byte{0x41}, 0, t0+66),
		unit([]byte{0x41}, 0, t0+99),
	}
	wantActions := []Action{ActionHeader, ActionData, ActionData, ActionData}
	wantTs := []int64{0, 0, 33, 66}

	for i, in := range inputs {
		res := c.Classify(in, &base)
		assert.Equal(t, wantActions[i], res.Action, "unit %d", i)
		assert.Equal(t, wantTs[i], res.Packet.TimestampMillis, "unit %d", i)
	}
}

func TestClassifyKeyFrame(t *testing.T) {
	var base timebase.Base
	c := New()

	res := c.Classify(unit([]byte{0x65}, core.FlagKeyFrame, 1), &base)
	assert.True(t, res.Packet.KeyFrame)
	res = c.Classify(unit([]byte{0x41}, 0, 2), &base)
	assert.False(t, res.Packet.KeyFrame)
}

func TestClassifyHeaderAfterOriginUsesRelativeTime(t *testing.T) {
	var base timebase.Base
	video := New()
	audio := New()

	video.Classify(unit([]byte{0x65}, core.FlagKeyFrame, 1000), &base)
	res := audio.Classify(unit([]byte{0x12, 0x10}, core.FlagConfig, 1500), &base)
	assert.Equal(t, ActionHeader, res.Action)
	assert.Equal(t, int64(500), res.Packet.TimestampMillis)
}

func TestClassifyHeaderAfterPayloadDropped(t *testing.T) {
	var base timebase.Base
	c := New()

	res := c.Classify(unit([]byte{0x41}, 0, 10), &base)
	require.Equal(t, ActionData, res.Action)

	res = c.Classify(unit([]byte{0x67}, core.FlagConfig, 20), &base)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, DropLateHeader, res.Reason)
	assert.False(t, c.HeaderSent())
}

// Arbitrary unit sequences never produce a second header or a header after data.
func TestClassifyHeaderOnceProperty(t *testing.T) {
	patterns := [][]core.BufferFlags{
		{core.FlagConfig, core.FlagConfig, 0, core.FlagConfig, 0},
		{0, core.FlagConfig, 0},
		{core.FlagKeyFrame, core.FlagConfig | core.FlagKeyFrame, core.FlagConfig},
		{core.FlagConfig, 0, 0, 0, core.FlagConfig},
	}
	for _, flags := range patterns {
		var base timebase.Base
		c := New()
		headers, sawData := 0, false
		for i, f := range flags {
			res := c.Classify(unit([]byte{byte(i + 1)}, f, int64(i*10)), &base)
			switch res.Action {
			case ActionHeader:
				headers++
				assert.False(t, sawData, "header after data in %v", flags)
			case ActionData:
				sawData = true
			}
		}
		assert.LessOrEqual(t, headers, 1, "flags %v", flags)
	}
}
