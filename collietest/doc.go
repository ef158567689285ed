// Package collietest provides in-process fakes for exercising
// sessions without a robot or a network: a loopback transport pipe,
// a fake robot speaking the firmware's data-channel protocol, and a
// dialer that connects the two.
package collietest
