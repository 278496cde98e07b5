package inventory

// Set is a collection of images deduplicated by content digest.
//
// When the same digest is inserted more than once, the first display
// name seen is the one retained; later names for the same content are
// dropped. Iteration order is insertion order.
type Set struct {
	byDigest map[string]Image
	order    []string
}

func NewSet() *Set {
	return &Set{byDigest: make(map[string]Image)}
}

// Add inserts an image and reports whether its digest was new.
func (s *Set) Add(img Image) bool {
	if _, ok := s.byDigest[img.Digest]; ok {
		return false
	}
	s.byDigest[img.Digest] = img
	s.order = append(s.order, img.Digest)
	return true
}

func (s *Set) Len() int {
	return len(s.order)
}

// Images returns the deduplicated images in insertion order.
func (s *Set) Images() []Image {
	images := make([]Image, 0, len(s.order))
	for _, d := range s.order {
		images = append(images, s.byDigest[d])
	}
	return images
}
