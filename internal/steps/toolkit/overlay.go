package toolkit

// Overlay is one layer of a label merge: voxels where Cond holds take Value.
// Cond is an mrcalc sub-expression in reverse Polish notation.
type Overlay struct {
	Cond  []string
	Value string
}

// LabelOverlay builds an mrcalc expression that starts from base and applies
// layers in order. A later layer wins where conditions overlap.
func LabelOverlay(base []string, layers ...Overlay) []string {
	expr := append([]string{}, base...)
	for _, layer := range layers {
		next := make([]string, 0, len(layer.Cond)+len(expr)+2)
		next = append(next, layer.Cond...)
		next = append(next, layer.Value)
		next = append(next, expr...)
		next = append(next, "-if")
		expr = next
	}
	return expr
}

// Equals is the condition "image == value".
func Equals(image, value string) []string {
	return []string{image, value, "-eq"}
}
