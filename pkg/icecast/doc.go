// Package icecast speaks the Icecast and Shoutcast protocols: the source
// handshake a broadcaster performs to publish a mount, the admin metadata
// update, and an ICY listener used to verify a published stream.
package icecast
