package vector

// Noop is the last-resort backend: every mutation silently succeeds, every
// search returns nothing. Callers detect it through Available and fall back
// to recency-ordered listing.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Initialize(int) error                     { return nil }
func (n *Noop) Insert([]float32, string, string) error   { return nil }
func (n *Noop) Delete(string) error                      { return nil }
func (n *Noop) DeleteByProject(string) error             { return nil }
func (n *Noop) DeleteByMemoryIDs([]string) error         { return nil }
func (n *Noop) Count() (int, error)                      { return 0, nil }
func (n *Noop) Available() bool                          { return false }
func (n *Noop) Close() error                             { return nil }

func (n *Noop) Search([]float32, string, string, int) ([]Result, error) {
	return nil, nil
}

func (n *Noop) FindSimilar([]float32, string, float64, int) ([]Result, error) {
	return nil, nil
}
