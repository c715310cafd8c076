//go:build !linux

package reactor

func newEpoll(Config, Deps) (Engine, error) {
	return nil, ErrUnsupported
}
