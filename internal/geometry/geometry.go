// Package geometry carries camera calibration (projection matrices and the
// rigid camera-to-world transform) and its wire marshalling.
//
// The byte layout is load-bearing: deployed clients parse exactly this
// serialization (row-major 4×4 float64 projections, translation-plus-
// quaternion transforms, IEEE-754 little-endian).
package geometry

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Matrix4 is a row-major 4×4 projective transformation.
type Matrix4 [16]float64

// Identity returns the identity projection.
func Identity() Matrix4 {
	var m Matrix4
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

// Transform is a rigid transform packed as translation plus unit rotation
// quaternion (x, y, z, w).
type Transform struct {
	Translation [3]float64
	Rotation    [4]float64
}

// IdentityTransform returns the identity rigid transform.
func IdentityTransform() Transform {
	return Transform{Rotation: [4]float64{0, 0, 0, 1}}
}

// Intrinsics holds a camera's two projection matrices: depth-image space to
// camera space, and camera space to color-image space.
type Intrinsics struct {
	ColorProjection Matrix4
	DepthProjection Matrix4
}

// DefaultIntrinsics builds the factory-default projections for a sensor
// streaming depth frames of the given size. Real deployments replace these
// with per-device calibration; the defaults use the sensor's nominal focal
// length so uncalibrated cameras still produce plausible geometry.
func DefaultIntrinsics(depthWidth, depthHeight int) Intrinsics {
	// Nominal focal length of the depth camera in pixels at 640×480,
	// scaled with the selected resolution.
	fovScale := float64(depthWidth) / 640.0
	f := 570.3 * fovScale

	var depth Matrix4
	depth[0] = 1.0 / f
	depth[3] = -float64(depthWidth) / (2.0 * f)
	depth[5] = 1.0 / f
	depth[7] = -float64(depthHeight) / (2.0 * f)
	depth[10] = 0
	depth[11] = -1
	depth[14] = -1.0 / 34400.0
	depth[15] = 1090.0 / 34400.0

	color := Identity()
	return Intrinsics{ColorProjection: color, DepthProjection: depth}
}

// Write serializes the matrix as 16 little-endian float64 values.
func (m Matrix4) Write(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, m[:])
}

// ReadMatrix4 reads a matrix previously written with Write.
func ReadMatrix4(r io.Reader) (Matrix4, error) {
	var m Matrix4
	if err := binary.Read(r, binary.LittleEndian, m[:]); err != nil {
		return m, fmt.Errorf("geometry: read matrix: %w", err)
	}
	return m, nil
}

// Write serializes the transform as translation then quaternion, seven
// little-endian float64 values.
func (t Transform) Write(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, t.Translation[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.Rotation[:])
}

// ReadTransform reads a transform previously written with Write.
func ReadTransform(r io.Reader) (Transform, error) {
	var t Transform
	if err := binary.Read(r, binary.LittleEndian, t.Translation[:]); err != nil {
		return t, fmt.Errorf("geometry: read transform: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, t.Rotation[:]); err != nil {
		return t, fmt.Errorf("geometry: read transform: %w", err)
	}
	return t, nil
}
