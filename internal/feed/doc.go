// Package feed serves code announcements to websocket listeners.
//
// # Protocol
//
// GET / returns a JSON document with the server version. GET /ws
// upgrades to a websocket. A fresh connection receives nothing until
// the client sends a text frame with the access key:
//
//	{"hash": "<access key>", "codename": "<listener name>"}
//
// The key is verified against the configured bcrypt hash. A failed
// check leaves the connection open but silent; the client may retry.
// Once registered, every new code arrives as a bare text frame.
//
// A client hangs up by sending the text frame "close". When the
// coordinator shuts down, the server sends "close" to every listener
// and drops the connections.
package feed
