package core

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Page describes a limit/offset window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the window to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
