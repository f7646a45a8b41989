// Package ingest tracks live ASF byte streams arriving over the network and
// hands each one to the demux pipeline through an in-memory pipe.
package ingest

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Origin identifies how an ingest stream reached the server.
type Origin string

const (
	OriginListener Origin = "srt-listen"
	OriginPull     Origin = "srt-pull"
)

// ConnStats captures connection-level counters for an ingest stream.
type ConnStats struct {
	Origin        Origin `json:"origin"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one live ASF push or pull. Bytes written to the pipe by the
// transport are read by the demuxer.
type Stream struct {
	Key       string
	Origin    Origin
	StartedAt time.Time

	input io.ReadCloser
	pw    *io.PipeWriter
	done  chan struct{}
	once  sync.Once

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one successful transport read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// ConnStats returns a snapshot of the connection counters.
func (s *Stream) ConnStats() ConnStats {
	addr, _ := s.remoteAddr.Load().(string)
	return ConnStats{
		Origin:        s.Origin,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key. Registering a stream
// invokes onStream asynchronously with the read side of its pipe.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader)
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream func(key string, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key and returns it together with the
// writer the transport should copy received bytes into. A stream already
// registered under key is replaced and its pipe closed.
func (r *Registry) Register(key string, origin Origin) (*Stream, io.Writer) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		Origin:    origin,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	old := r.streams[key]
	r.streams[key] = stream
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	if r.onStream != nil {
		go r.onStream(key, pr)
	}
	return stream, pw
}

// Unregister removes the stream, closing its pipe so the demuxer sees EOF.
// Only the given stream is removed; a newer stream under the same key is
// left alone.
func (r *Registry) Unregister(stream *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[stream.Key]
	if ok && cur == stream {
		delete(r.streams, stream.Key)
	}
	r.mu.Unlock()

	stream.close()
}

func (s *Stream) close() {
	s.once.Do(func() {
		s.pw.Close()
		close(s.done)
	})
}

// Get returns the Stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the registered stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
