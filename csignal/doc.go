// Package csignal exchanges WebRTC session descriptions with a robot.
//
// Two exchangers are provided. [LocalExchanger] talks to the
// firmware's encrypted HTTP endpoint on the robot itself (with a
// fallback to the plaintext endpoint older firmware exposes), and
// [RemoteExchanger] relays the exchange through the vendor cloud for
// robots that are not on the local network. Both implement
// [Exchanger], which is the only surface the connection layer sees.
package csignal
