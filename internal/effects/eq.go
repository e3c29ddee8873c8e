package effects

// EQ3Band splits the signal at two one-pole crossovers and scales each band.
type EQ3Band struct {
	sr                 float64
	low, mid, high     smoother
	lpAlpha, hpAlpha   float32
	lpL, lpR, hpL, hpR float32
}

// NewEQ3Band reads low/mid/high gains in dB and the lowfreq/highfreq
// crossovers in Hz from p.
func NewEQ3Band(sampleRate int, p Params) *EQ3Band {
	eq := &EQ3Band{sr: float64(sampleRate)}
	eq.low = newSmoother(dbToGain(p.Get("low", 0)), eq.sr, paramSmoothingMs)
	eq.mid = newSmoother(dbToGain(p.Get("mid", 0)), eq.sr, paramSmoothingMs)
	eq.high = newSmoother(dbToGain(p.Get("high", 0)), eq.sr, paramSmoothingMs)
	eq.lpAlpha = onePoleAlpha(p.Get("lowfreq", 300), eq.sr)
	eq.hpAlpha = onePoleAlpha(p.Get("highfreq", 3000), eq.sr)
	return eq
}

func (eq *EQ3Band) UpdateParams(p Params) {
	if v, ok := p["low"]; ok {
		eq.low.set(dbToGain(clamp64(v, -48, 12)))
	}
	if v, ok := p["mid"]; ok {
		eq.mid.set(dbToGain(clamp64(v, -48, 12)))
	}
	if v, ok := p["high"]; ok {
		eq.high.set(dbToGain(clamp64(v, -48, 12)))
	}
	if v, ok := p["lowfreq"]; ok {
		eq.lpAlpha = onePoleAlpha(v, eq.sr)
	}
	if v, ok := p["highfreq"]; ok {
		eq.hpAlpha = onePoleAlpha(v, eq.sr)
	}
}

func (eq *EQ3Band) Process(l, r float32) (float32, float32) {
	eq.lpL += eq.lpAlpha * (l - eq.lpL)
	eq.lpR += eq.lpAlpha * (r - eq.lpR)
	lowL, lowR := eq.lpL, eq.lpR

	eq.hpL += eq.hpAlpha * (l - eq.hpL)
	eq.hpR += eq.hpAlpha * (r - eq.hpR)
	highL, highR := l-eq.hpL, r-eq.hpR

	midL := l - lowL - highL
	midR := r - lowR - highR

	gl, gm, gh := float32(eq.low.next()), float32(eq.mid.next()), float32(eq.high.next())
	return lowL*gl + midL*gm + highL*gh, lowR*gl + midR*gm + highR*gh
}

func (eq *EQ3Band) Reset() {
	eq.lpL, eq.lpR = 0, 0
	eq.hpL, eq.hpR = 0, 0
}

func (eq *EQ3Band) Close() error { return nil }
