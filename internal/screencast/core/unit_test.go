package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseReleasesOnce(t *testing.T) {
	var released int
	var mu sync.Mutex
	lease := NewLease(AccessUnit{Data: []byte{1}}, func() {
		mu.Lock()
		released++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease.Release()
		}()
	}
	wg.Wait()
	lease.Release()

	assert.Equal(t, 1, released)
}

func TestLeaseNilRelease(t *testing.T) {
	lease := NewLease(AccessUnit{}, nil)
	assert.NotPanics(t, lease.Release)
}

func TestBufferFlags(t *testing.T) {
	f := FlagConfig | FlagKeyFrame
	assert.True(t, f.Has(FlagConfig))
	assert.True(t, f.Has(FlagKeyFrame))
	assert.False(t, f.Has(FlagEndOfStream))
	assert.True(t, AccessUnit{Flags: f}.IsConfig())
	assert.False(t, AccessUnit{Flags: FlagKeyFrame}.IsConfig())
}

func TestPresentationMillis(t *testing.T) {
	assert.Equal(t, int64(33), AccessUnit{PresentationTimeUs: 33_999}.PresentationMillis())
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "audio", KindAudio.String())
	assert.Equal(t, "connected", ConnConnected.String())
	assert.Equal(t, "not-ready", PollNotReady.String())
}
