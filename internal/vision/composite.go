package vision

import "fmt"

// Composite keeps cartoon samples where person is set and original samples
// where background is set. The masks must be complements: each AND clears the
// other region, so the sum never overlaps or leaves gaps.
func Composite(cartoon, original *Frame, person, background *Mask) (*Frame, error) {
	if !cartoon.SameSize(original) {
		return nil, fmt.Errorf("cartoon %dx%d and original %dx%d differ", cartoon.Width, cartoon.Height, original.Width, original.Height)
	}
	for _, m := range []*Mask{person, background} {
		if m.Width != original.Width || m.Height != original.Height {
			return nil, fmt.Errorf("mask %dx%d does not match frame %dx%d", m.Width, m.Height, original.Width, original.Height)
		}
	}

	out := NewFrame(original.Width, original.Height)
	for p := range person.Pix {
		fg, bg := person.Pix[p], background.Pix[p]
		if fg+bg != 255 {
			return nil, fmt.Errorf("masks are not complementary at pixel %d", p)
		}
		for c := p * Channels; c < (p+1)*Channels; c++ {
			out.Pix[c] = cartoon.Pix[c]&fg + original.Pix[c]&bg
		}
	}
	return out, nil
}
