// Package collie contains the core APIs for establishing and maintaining
// a real-time session with a Unitree Go2 quadruped over its on-device
// WebRTC stack.
//
// A [Session] owns one logical connection: it negotiates a peer transport
// for the selected connection method (access point, local network, or the
// vendor relay), performs the application-level encrypted handshake that
// gates channel trust, and exposes the robot's topic-addressed data channel
// as publish/subscribe plus correlated request/response.
//
// Supporting packages each carry one concern: [cwire] for the data-channel
// envelope and binary framing, [crouter] for topic routing, [csec] for the
// handshake key material, [csignal] for offer/answer exchange, [cdiscover]
// for multicast device discovery, and [cvoxel] for the LiDAR voxel-mesh
// codec.
package collie
