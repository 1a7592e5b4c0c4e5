package volume

// Role is the biological role a channel plays in compositing.
type Role string

const (
	RoleNuclear Role = "nuclear"
	RoleCyto    Role = "cyto"
	RoleMarker  Role = "marker"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleNuclear, RoleCyto, RoleMarker:
		return true
	}
	return false
}

// Clip is a channel's clip window. Low must be strictly below High.
type Clip struct {
	Low  float64 `json:"low" yaml:"low" toml:"low"`
	High float64 `json:"high" yaml:"high" toml:"high"`
}

// Validate rejects inverted or empty windows.
func (c Clip) Validate() error {
	if c.Low < 0 {
		return Configf("clip.validate", "clip low %v is negative", c.Low)
	}
	if c.Low >= c.High {
		return Configf("clip.validate", "clip low %v must be below clip high %v", c.Low, c.High)
	}
	return nil
}
