// Package main
/*
The `relay` package contains the rope relay server and its participant client. Participants connect to the relay,
register under a self-chosen identifier and exchange envelopes addressed by identifier, either to one participant
or to every other participant.

Identifier collisions are resolved with the strategy the newcomer presents: `respect` keeps the current holder and
rejects the newcomer, `plunder` hands the identifier to the newcomer and notifies the previous holder.

The transport is WebSocket, with JSON text frames for browser participants or msgpack binary frames. Optionally the
relay also listens on QUIC, using length prefixed msgpack frames on a single stream per participant.
*/
package main
