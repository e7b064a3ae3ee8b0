package sensor

// ADC is a single analog input. It matches TinyGo's machine.ADC, whose Get
// returns the conversion left-aligned in 16 bits.
type ADC interface {
	Get() uint16
}

// Ensure the simulated sources implement ADC.
var (
	_ ADC = (*Mock)(nil)
	_ ADC = (*Fixed)(nil)
)
