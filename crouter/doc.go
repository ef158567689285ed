// Package crouter multiplexes one robot data channel into topic
// subscriptions and correlated requests.
//
// A [Router] owns the receive loop for a channel. Every inbound
// message is parsed once; responses matching a pending request
// resolve that request, everything else fans out to topic
// subscribers through bounded per-subscription queues so that a slow
// handler never blocks receipt. LiDAR frames are decoded before
// delivery.
package crouter
