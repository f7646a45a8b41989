// Package srt receives ASF streams over SRT, either by accepting publish
// connections (Server) or by dialing remote listeners (Caller), and feeds
// the bytes into the ingest registry.
package srt
