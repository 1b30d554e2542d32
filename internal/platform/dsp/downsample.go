package dsp

// Stride returns max(1, floor(n/maxPoints)). A non-positive maxPoints
// disables decimation.
func Stride(n, maxPoints int) int {
	if maxPoints <= 0 {
		return 1
	}
	if s := n / maxPoints; s > 1 {
		return s
	}
	return 1
}

// Downsample keeps every Stride(len(values), maxPoints)-th element starting
// at index 0. It is meant for plotting only and applies no anti-aliasing.
func Downsample[T any](values []T, maxPoints int) []T {
	stride := Stride(len(values), maxPoints)
	out := make([]T, 0, (len(values)+stride-1)/stride)
	for i := 0; i < len(values); i += stride {
		out = append(out, values[i])
	}
	return out
}
