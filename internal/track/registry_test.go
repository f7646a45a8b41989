package track

import (
	"sync"
	"testing"
	"time"

	"github.com/zsiec/asfdemux/internal/asfheader"
)

func videoProps(n uint8) *asfheader.StreamProperties {
	return &asfheader.StreamProperties{
		StreamNumber: n,
		Type:         asfheader.StreamTypeVideo,
		Format:       &asfheader.VideoFormat{Width: 640, Height: 360},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	tr, ok := r.Register(videoProps(2), &asfheader.ExtendedStreamProperties{AvgTimePerFrame: 40 * time.Millisecond})
	if !ok || tr == nil {
		t.Fatal("Register returned not-ok for new stream")
	}
	if r.Get(2) != tr {
		t.Error("Get returned a different track")
	}
	if r.Get(3) != nil {
		t.Error("Get returned a track for an unregistered stream")
	}

	infos := r.List()
	if len(infos) != 1 {
		t.Fatalf("List = %d entries, want 1", len(infos))
	}
	if infos[0].Kind != asfheader.KindVideo || infos[0].FrameDuration != 40*time.Millisecond {
		t.Errorf("info = %+v", infos[0])
	}
	if infos[0].RegisteredAt.IsZero() {
		t.Error("RegisteredAt should not be zero")
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Register(videoProps(1), nil)
	tr, ok := r.Register(videoProps(1), nil)
	if ok || tr != nil {
		t.Error("duplicate Register should return nil, false")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Register(videoProps(1), nil)

	if !r.Remove(1) {
		t.Error("Remove reported missing stream")
	}
	if r.Remove(1) {
		t.Error("second Remove reported present stream")
	}
	if r.Get(1) != nil || r.Len() != 0 {
		t.Error("stream still registered after Remove")
	}
}

func TestRegistryRegisterHeader(t *testing.T) {
	t.Parallel()
	h := &asfheader.Header{
		Streams: map[uint8]*asfheader.StreamProperties{
			3: videoProps(3),
			1: {StreamNumber: 1, Type: asfheader.StreamTypeAudio, Format: &asfheader.AudioFormat{}},
		},
		Extended: map[uint8]*asfheader.ExtendedStreamProperties{},
	}
	r := NewRegistry(nil)
	if n := r.RegisterHeader(h); n != 2 {
		t.Fatalf("registered %d, want 2", n)
	}
	got := r.StreamNumbers()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("StreamNumbers = %v, want [1 3]", got)
	}
}

func TestRegistryConcurrentList(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(n uint8) {
			defer wg.Done()
			r.Register(videoProps(n), nil)
		}(uint8(i))
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()

	if r.Len() != 20 {
		t.Errorf("Len = %d, want 20", r.Len())
	}
	r.ResetAll()
}
