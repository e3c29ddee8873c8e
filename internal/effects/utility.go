package effects

// Passthrough forwards audio unchanged. It stands in for plugin types the
// registry does not know so a chain never breaks.
type Passthrough struct {
	Type string
}

func (p *Passthrough) Process(l, r float32) (float32, float32) { return l, r }
func (p *Passthrough) Reset()                                  {}
func (p *Passthrough) UpdateParams(Params)                     {}
func (p *Passthrough) Close() error                            { return nil }

// Utility is a smoothed gain and balance stage.
type Utility struct {
	gain    smoother
	balance smoother
}

// NewUtility reads gain (dB) and balance (-1..1) from p.
func NewUtility(sampleRate int, p Params) *Utility {
	sr := float64(sampleRate)
	return &Utility{
		gain:    newSmoother(dbToGain(clamp64(p.Get("gain", 0), -96, 24)), sr, paramSmoothingMs),
		balance: newSmoother(clamp64(p.Get("balance", 0), -1, 1), sr, paramSmoothingMs),
	}
}

func (u *Utility) UpdateParams(p Params) {
	if v, ok := p["gain"]; ok {
		u.gain.set(dbToGain(clamp64(v, -96, 24)))
	}
	if v, ok := p["balance"]; ok {
		u.balance.set(clamp64(v, -1, 1))
	}
}

func (u *Utility) Process(l, r float32) (float32, float32) {
	g, b := float32(u.gain.next()), float32(u.balance.next())
	gl, gr := g, g
	if b > 0 {
		gl *= 1 - b
	} else {
		gr *= 1 + b
	}
	return l * gl, r * gr
}

func (u *Utility) Reset()       {}
func (u *Utility) Close() error { return nil }
