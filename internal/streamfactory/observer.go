package streamfactory

import (
	"time"

	"diagport/internal/transport"
)

// Observer receives loop events for instrumentation. Implementations must be
// cheap and must not block.
type Observer interface {
	PollPass(timeout time.Duration, handles int)
	ConnectFailed(endpoint string)
	HungUp(endpoint string)
	Claimed(endpoint string, mode transport.Mode)
	PollFailed()
}

type nopObserver struct{}

func (nopObserver) PollPass(time.Duration, int)    {}
func (nopObserver) ConnectFailed(string)           {}
func (nopObserver) HungUp(string)                  {}
func (nopObserver) Claimed(string, transport.Mode) {}
func (nopObserver) PollFailed()                    {}
