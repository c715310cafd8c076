//go:build !unix

package reactor

func newGnet(Config, Deps) (Engine, error) {
	return nil, ErrUnsupported
}
