package effects

import (
	"math"
	"math/rand"
	"testing"
)

const testRate = 44100

func noise(n int, amp float32, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * amp
	}
	return out
}

func rms(xs []float32) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// run feeds the same signal to both channels and returns the left output.
func run(r *Reverb, in []float32) []float32 {
	out := make([]float32, len(in))
	for i, x := range in {
		out[i], _ = r.Process(x, x)
	}
	return out
}

func TestReverbMixZeroIsDry(t *testing.T) {
	r := NewReverb(testRate, Params{"mix": 0, "decay": 0.9})
	in := noise(testRate/2, 0.5, 1)
	for i, x := range in {
		l, rr := r.Process(x, -x)
		if l != x || rr != -x {
			t.Fatalf("sample %d: got (%f, %f), want (%f, %f)", i, l, rr, x, -x)
		}
	}
}

func TestReverbProducesTail(t *testing.T) {
	r := NewReverb(testRate, Params{"mix": 1})
	r.Process(1, 1)
	var peak float32
	for i := 0; i < testRate/2; i++ {
		l, _ := r.Process(0, 0)
		if l < 0 {
			l = -l
		}
		if l > peak {
			peak = l
		}
	}
	if peak < 0.001 {
		t.Error("expected reverb tail after impulse")
	}
}

func TestReverbEqualPowerSweep(t *testing.T) {
	in := noise(testRate, 0.5, 7)
	dry := rms(in[testRate/2:])
	prev := -1.0
	for step := 0; step <= 20; step++ {
		mix := float64(step) / 20
		out := run(NewReverb(testRate, Params{"mix": mix}), in)
		level := rms(out[testRate/2:])
		if level < 0.3*dry || level > 1.5*dry {
			t.Errorf("mix %.2f: rms %.4f outside [%.4f, %.4f]", mix, level, 0.3*dry, 1.5*dry)
		}
		if prev >= 0 && math.Abs(level-prev) > 0.15*dry {
			t.Errorf("mix %.2f: rms jumped %.4f -> %.4f", mix, prev, level)
		}
		prev = level
	}
}

func TestReverbMixChangeIsSmoothed(t *testing.T) {
	r := NewReverb(testRate, Params{"mix": 0})
	in := noise(testRate/10, 0.5, 3)
	run(r, in)
	r.UpdateParams(Params{"mix": 1})
	x := float32(0.5)
	l, _ := r.Process(x, x)
	if math.Abs(float64(l-x)) > 0.05 {
		t.Errorf("mix jump not smoothed: in %f out %f", x, l)
	}
}

func TestReverbFreezeThenReleaseLeavesNoEnergy(t *testing.T) {
	r := NewReverb(testRate, Params{"mix": 1, "decay": 0.9})
	run(r, noise(testRate/2, 0.5, 11))

	r.UpdateParams(Params{"freeze": 1})
	if !r.Frozen() {
		t.Fatal("expected frozen")
	}
	held := run(r, make([]float32, testRate/2))
	if rms(held[len(held)-testRate/10:]) < 1e-3 {
		t.Error("frozen tail should sustain")
	}

	r.UpdateParams(Params{"freeze": 0})
	after := run(r, make([]float32, 2*testRate))
	if level := rms(after); level > 1e-4 {
		t.Errorf("residual energy after unfreeze: rms %g", level)
	}
}

func TestReverbDucking(t *testing.T) {
	in := noise(testRate, 0.8, 5)
	plain := run(NewReverb(testRate, Params{"mix": 1}), in)
	ducked := run(NewReverb(testRate, Params{"mix": 1, "duck": 1, "duckattack": 5}), in)
	a, b := rms(plain[testRate/2:]), rms(ducked[testRate/2:])
	if b > 0.5*a {
		t.Errorf("ducking should attenuate wet: plain %.4f ducked %.4f", a, b)
	}
}

func TestReverbModeRecomputesTaps(t *testing.T) {
	r := NewReverb(testRate, nil)
	before := r.taps
	r.UpdateParams(Params{"mode": float64(ModeCathedral)})
	if r.Mode() != ModeCathedral {
		t.Fatalf("mode = %v", r.Mode())
	}
	if r.taps == before {
		t.Error("tap geometry unchanged after mode switch")
	}
	if r.taps[7].delay <= before[7].delay {
		t.Error("cathedral reflections should arrive later than room")
	}
	m, ok := ParseReverbMode("Shimmer")
	if !ok || m != ModeShimmer || m.String() != "shimmer" {
		t.Errorf("ParseReverbMode: %v %v", m, ok)
	}
}

func TestReverbCloseBypasses(t *testing.T) {
	r := NewReverb(testRate, Params{"mix": 1})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	l, rr := r.Process(0.3, 0.4)
	if l != 0.3 || rr != 0.4 {
		t.Errorf("closed reverb should pass through, got %f %f", l, rr)
	}
	r.UpdateParams(Params{"mix": 0.5})
}
