// Package tcp implements TCP servers, reconnecting clients and their
// connections on an eventloop.Loop. Connections exchange framed messages
// through a bufferio.Event, optionally with heartbeats and idle eviction.
//
// Only Linux and Darwin are supported.
package tcp
