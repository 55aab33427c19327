package onepad

import "math"

const maxPadding = 1 << 30

// paddingLength draws a log-normal padding length with the given median.
// spread is the standard deviation of the underlying normal times 100. The
// normal variate comes from the Box-Muller transform.
func paddingLength(median, spread int, rng RandomSource) (int, error) {
	u1, err := rng.Float64()
	if err != nil {
		return 0, err
	}
	u2, err := rng.Float64()
	if err != nil {
		return 0, err
	}
	// 1-u1 lies in (0, 1], keeping the logarithm finite.
	z := math.Sqrt(-2*math.Log(1-u1)) * math.Sin(2*math.Pi*u2)
	l := math.Ceil(math.Exp(math.Log(float64(median)) + float64(spread)/100*z))
	switch {
	case math.IsNaN(l) || l < 1:
		return 1, nil
	case l > maxPadding:
		return maxPadding, nil
	}
	return int(l), nil
}

// paddingLead returns a first padding byte that cannot be read as a
// container type.
func paddingLead(rng RandomSource) (byte, error) {
	for {
		b, err := rng.Byte()
		if err != nil {
			return 0, err
		}
		if b == 0 || b > reservedTypeMax {
			return b, nil
		}
	}
}

// sealPadding writes a padding container of n bytes, lead byte included.
func sealPadding(s *sealer, n int, rng RandomSource) error {
	if n <= 0 {
		return nil
	}
	lead, err := paddingLead(rng)
	if err != nil {
		return err
	}
	if err := s.seal([]byte{lead}); err != nil {
		return err
	}
	for left := n - 1; left > 0; {
		step := left
		if step > chunkSize {
			step = chunkSize
		}
		b, err := rng.Bytes(step)
		if err != nil {
			return err
		}
		if err := s.seal(b); err != nil {
			return err
		}
		left -= step
	}
	return nil
}
