package modem

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestMetrics_Perfect(t *testing.T) {
	c := NewConstellation(Mod16QAM)
	tx := c.RandomSymbols(2000, rand.New(rand.NewSource(1)))

	if ber, _ := BER(tx, tx, c); ber != 0 {
		t.Errorf("BER = %g, expected 0", ber)
	}
	if ser, _ := SER(tx, tx, c); ser != 0 {
		t.Errorf("SER = %g, expected 0", ser)
	}
	if evm, _ := EVM(tx, tx); evm != 0 {
		t.Errorf("EVM = %g, expected 0", evm)
	}
	if snr, _ := EstimateSNR(tx, tx); !math.IsInf(snr, 1) {
		t.Errorf("SNR = %g, expected +Inf", snr)
	}
	gmi, err := GMI(tx, tx, c)
	if err != nil {
		t.Fatalf("GMI error: %v", err)
	}
	if math.Abs(gmi-4) > 1e-6 {
		t.Errorf("GMI = %g, expected 4", gmi)
	}
}

func TestBER_CountsGrayBits(t *testing.T) {
	c := NewConstellation(ModQPSK)
	pts := c.Points()
	// Labels 0b00 and 0b11 differ in both bits, 0b00 and 0b01 in one.
	tx := []complex128{pts[0], pts[0]}
	rx := []complex128{pts[3], pts[1]}
	ber, err := BER(rx, tx, c)
	if err != nil {
		t.Fatalf("BER error: %v", err)
	}
	if ber != 0.75 {
		t.Errorf("BER = %g, expected 0.75", ber)
	}
	ser, _ := SER(rx, tx, c)
	if ser != 1 {
		t.Errorf("SER = %g, expected 1", ser)
	}
}

func TestMetrics_Noisy(t *testing.T) {
	c := NewConstellation(Mod16QAM)
	rng := rand.New(rand.NewSource(2))
	tx := c.RandomSymbols(20000, rng)
	snrDB := 15.0
	sigma := math.Sqrt(math.Pow(10, -snrDB/10) / 2)
	rx := make([]complex128, len(tx))
	for i, s := range tx {
		rx[i] = s + complex(sigma*rng.NormFloat64(), sigma*rng.NormFloat64())
	}

	snr, err := EstimateSNR(rx, tx)
	if err != nil {
		t.Fatalf("EstimateSNR error: %v", err)
	}
	if math.Abs(snr-snrDB) > 0.2 {
		t.Errorf("SNR = %.2f dB, expected %.1f", snr, snrDB)
	}
	gmi, _ := GMI(rx, tx, c)
	if gmi < 3.5 || gmi > 4 {
		t.Errorf("GMI = %g bits at %g dB, expected in [3.5, 4]", gmi, snrDB)
	}
	ber, _ := BER(rx, tx, c)
	ser, _ := SER(rx, tx, c)
	if ber <= 0 || ber > ser {
		t.Errorf("BER %g should be positive and not exceed SER %g", ber, ser)
	}
}

func TestGMI_DropsWithNoise(t *testing.T) {
	c := NewConstellation(ModQPSK)
	rng := rand.New(rand.NewSource(3))
	tx := c.RandomSymbols(5000, rng)
	prev := 2.0 + 1e-9
	for _, snrDB := range []float64{20, 10, 3, 0} {
		sigma := math.Sqrt(math.Pow(10, -snrDB/10) / 2)
		rx := make([]complex128, len(tx))
		for i, s := range tx {
			rx[i] = s + complex(sigma*rng.NormFloat64(), sigma*rng.NormFloat64())
		}
		gmi, err := GMI(rx, tx, c)
		if err != nil {
			t.Fatalf("GMI error: %v", err)
		}
		if gmi > prev {
			t.Errorf("GMI %g at %g dB exceeds %g at higher SNR", gmi, snrDB, prev)
		}
		prev = gmi
	}
}

func TestMetrics_LengthMismatch(t *testing.T) {
	c := NewConstellation(ModQPSK)
	if _, err := BER([]complex128{1}, []complex128{1, 1}, c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := EVM(nil, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for empty input, got %v", err)
	}
}
