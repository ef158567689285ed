// Package cwire defines the data-channel message formats
// spoken by the Go2 firmware: the JSON envelope carried in text
// messages, the request/response header layout, and the binary
// frame variants that wrap a JSON header plus a trailing payload.
//
// The layouts here are fixed by the robot side; this package only
// encodes and decodes them, it never interprets topic payloads.
package cwire
