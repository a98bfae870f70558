package driver

// Report summarises which drivers can run.
type Report struct {
	LegacyAvailable  bool   `json:"legacy_available"`
	NextGenAvailable bool   `json:"next_gen_available"`
	NextGenEnabled   bool   `json:"next_gen_enabled"`
	Choice           string `json:"choice"`
	// RecommendedAction is InstallMessage when the next-gen driver is
	// enabled but unavailable, empty otherwise.
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// Validate reports driver availability for cfg.
func Validate(cfg Config) Report {
	return NewSelector(cfg, nil).Validate()
}

// Validate reports driver availability for the Selector's configuration.
func (s *Selector) Validate() Report {
	avail := s.Available()
	r := Report{
		// The WebDriver client is compiled in; reachability is checked by
		// WebDriver.Status.
		LegacyAvailable:  true,
		NextGenAvailable: avail,
		NextGenEnabled:   s.cfg.NextGen,
		Choice:           Choose(s.cfg.NextGen, avail).String(),
	}
	if s.cfg.NextGen && !avail {
		r.RecommendedAction = InstallMessage
	}
	return r
}
