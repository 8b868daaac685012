//go:build !linux && !darwin

package eventloop

func newPlatformPoller() (Poller, error) { return nil, ErrUnsupportedPlatform }

func createWakeFd() (int, int, error) { return -1, -1, ErrUnsupportedPlatform }

func closeFD(int) error { return ErrUnsupportedPlatform }

func signalWakeFd(int) error { return ErrUnsupportedPlatform }

func drainWakeFd(int) {}
