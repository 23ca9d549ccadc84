package models

import "image"

// FrameTransform is a pure per-frame hook the exporter invokes for every
// decoded source frame. Implementations may write into the frame's own
// buffer and must always return a usable frame; the identity transform is
// the degraded (pass-through) behavior.
type FrameTransform func(*image.RGBA) *image.RGBA

// IdentityTransform returns every frame unmodified.
func IdentityTransform(frame *image.RGBA) *image.RGBA { return frame }
