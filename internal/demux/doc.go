// Package demux runs an ASF demultiplexing session over an [io.Reader]. It
// parses the container header, registers one track per stream, drives the
// packet engine in [github.com/zsiec/asfdemux/internal/asf] until the data
// region is exhausted and delivers completed frames on typed channels.
//
// The central type is [Demuxer]. Frames of video streams arrive on
// [Demuxer.Video], audio on [Demuxer.Audio] and every other stream type on
// [Demuxer.Data].
package demux
