package pool

// Proto is the interface sample modules return to the host.
type Proto interface {
	Name() string
	Action() string
}
