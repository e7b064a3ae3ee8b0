package measure

// NewAveragingConverter creates a converter that replaces each sample with the
// mean of the last windowSize good samples. Samples carrying an error are
// passed through unchanged and do not enter the window. The output channel is
// closed once the input is closed and drained.
func NewAveragingConverter(windowSize int, bufSize int) Converter {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			buffer := make([]Sample, 0, windowSize)
			for s := range in {
				if s.Err != nil {
					out <- s
					continue
				}
				if len(buffer) == windowSize {
					copy(buffer, buffer[1:]) // Remove oldest
					buffer = buffer[:windowSize-1]
				}
				buffer = append(buffer, s)
				out <- averageSamples(buffer)
			}
		}()

		return out
	}
}

// averageSamples averages a window, keeping the newest timestamp.
func averageSamples(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	var sumDiameter, sumReading float64
	for _, s := range samples {
		sumDiameter += s.Diameter
		sumReading += s.Reading
	}

	n := float64(len(samples))
	return Sample{
		Timestamp: samples[len(samples)-1].Timestamp,
		Diameter:  sumDiameter / n,
		Reading:   sumReading / n,
	}
}
