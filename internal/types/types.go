package types

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either dimension is zero or negative.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle anchored at its top-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceResult is one detected face in a single frame.
// Coordinates are in whatever space the producer used (source frame or display).
type FaceResult struct {
	Box         Box                `json:"box"`
	Score       float64            `json:"score"`
	Landmarks   []Point            `json:"landmarks,omitempty"`
	Descriptor  []float64          `json:"descriptor,omitempty"`
	Expressions map[string]float64 `json:"expressions,omitempty"`
}

// ErrorResult is the JSON body returned on a failed request
type ErrorResult struct {
	Error string `json:"error"`
}
