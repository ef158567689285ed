// Package cvoxel decodes the compressed voxel-mesh frames the Go2
// publishes on its LiDAR topic.
//
// A frame is an LZ4 block whose decompressed layout is fixed:
// a point count and face count, then quantized vertex positions,
// texture coordinates, and triangle indices. Quantized positions are
// mapped to world space using the resolution and origin declared in
// the frame header.
//
// Two interchangeable [Decoder] backends are provided; they produce
// identical output and differ only in parsing strategy.
package cvoxel
