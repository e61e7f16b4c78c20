package measure

import "fmt"

// Paths are the object keys a request writes to. They are intended
// locations; their presence says nothing about whether a write succeeded.
type Paths struct {
	Original string `json:"original"`
	Analyzed string `json:"analyzed"`
}

// KeysFor derives the object keys for a product photo.
func KeysFor(productID string, sequenceID int) Paths {
	base := fmt.Sprintf("%s/%s_%d", productID, productID, sequenceID)
	return Paths{
		Original: base + ".jpg",
		Analyzed: base + "_analyzed.jpg",
	}
}
