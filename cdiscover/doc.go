// Package cdiscover locates robots on the local network through the
// firmware's multicast announcement protocol.
//
// A query datagram is multicast to the discovery group and every
// robot on the segment answers with a unicast datagram carrying its
// serial number and IP address. [Scanner.Scan] collects answers for a
// bounded window; [Scanner.Find] resolves one serial number to an
// address.
package cdiscover
