package modem

import (
	"math/cmplx"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		in      string
		want    Criterion
		wantErr bool
	}{
		{"cma", CMA, false},
		{" MCMA ", MCMA, false},
		{"sbd", SBD, false},
		{"dd", SBD, false},
		{"data_aided", DataAided, false},
		{"lms", DataAided, false},
		{"rde", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCriterion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCriterion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCriterion(%q) = %v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestCriterion_YAML(t *testing.T) {
	var st Stage
	if err := yaml.Unmarshal([]byte("criterion: sbd\ntaps: 45\n"), &st); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if st.Criterion != SBD || st.Taps != 45 {
		t.Errorf("got %+v", st)
	}
	out, err := yaml.Marshal(Stage{Criterion: MCMA})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var back Stage
	if err := yaml.Unmarshal(out, &back); err != nil || back.Criterion != MCMA {
		t.Errorf("round trip gave %+v (%v)", back, err)
	}
	if err := yaml.Unmarshal([]byte("criterion: nope\n"), &st); err == nil {
		t.Error("expected error for unknown criterion")
	}
}

func TestAdapter_ZeroErrorAtSolution(t *testing.T) {
	qpsk := NewConstellation(ModQPSK)
	p := qpsk.Points()[2]
	for _, c := range []Criterion{CMA, MCMA, SBD, DataAided} {
		a := NewAdapter(c, qpsk)
		taps := [][]complex128{{0, 1, 0}}
		win := [][]complex128{{0.3, p, -0.2i}}
		y, e := a.Update(taps, win, p, 0.1)
		if cmplx.Abs(y-p) > 1e-12 {
			t.Errorf("%v: output %v, expected %v", c, y, p)
		}
		if e > 1e-20 {
			t.Errorf("%v: error power %g at the solution", c, e)
		}
		if cmplx.Abs(taps[0][1]-1) > 1e-12 {
			t.Errorf("%v: taps moved at the solution: %v", c, taps[0])
		}
	}
}

func TestAdapter_DataAidedLearnsGain(t *testing.T) {
	qpsk := NewConstellation(ModQPSK)
	a := NewAdapter(DataAided, qpsk)
	taps := [][]complex128{{0.2}}
	gain := complex(0.5, 0.5)
	pts := qpsk.Points()
	for i := 0; i < 2000; i++ {
		s := pts[i%4]
		a.Update(taps, [][]complex128{{s / gain}}, s, 0.05)
	}
	if cmplx.Abs(taps[0][0]-gain) > 1e-6 {
		t.Errorf("tap %v, expected %v", taps[0][0], gain)
	}
}
